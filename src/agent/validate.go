package agent

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"mqttsink-agent/src/config"
	"mqttsink-agent/src/contracts"
)

var (
	// ErrInvalidSettings is returned when the local settings lack a required key.
	ErrInvalidSettings = errors.New("invalid settings")
	// ErrInvalidConfig is returned when the fetched configuration is unusable.
	ErrInvalidConfig = errors.New("invalid configuration")
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Registration only fails for an empty tag or nil func.
		_ = validate.RegisterValidation("notblank", validators.NotBlank)
		_ = validate.RegisterValidation("anynotblank", anyNotBlank)
	})
	return validate
}

// anyNotBlank passes for a string slice holding at least one non-blank entry.
func anyNotBlank(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() != reflect.Slice {
		return false
	}
	for i := 0; i < field.Len(); i++ {
		if strings.TrimSpace(field.Index(i).String()) != "" {
			return true
		}
	}
	return false
}

// ValidateSettings checks the local keys the agent cannot start without.
func ValidateSettings(cfg config.Config) error {
	if strings.TrimSpace(cfg.ConfigCode) == "" {
		return fmt.Errorf("%w: config_code is not set", ErrInvalidSettings)
	}
	if strings.TrimSpace(cfg.ReceiveDataProcedure) == "" {
		return fmt.Errorf("%w: receive_data_procedure is not set", ErrInvalidSettings)
	}
	return nil
}

// ValidateSnapshot checks a fetched configuration before it is used.
func ValidateSnapshot(snapshot *contracts.ConfigSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("%w: configuration is empty", ErrInvalidConfig)
	}

	err := getValidator().Struct(snapshot)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	messages := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		messages[i] = describe(fe)
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(messages, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is not specified", fe.Namespace())
	case "notblank":
		return fmt.Sprintf("%s is blank", fe.Namespace())
	case "anynotblank":
		return fmt.Sprintf("%s has no non-blank entry", fe.Namespace())
	case "gt", "min", "max":
		return fmt.Sprintf("%s is out of range (%s %s)", fe.Namespace(), fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
}
