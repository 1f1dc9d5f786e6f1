package contracts

import (
	"fmt"
	"time"
)

// ConfigSnapshot is the remote configuration fetched from the store by config code.
// Field names match the JSON document the config function returns.
type ConfigSnapshot struct {
	// Flush cadence in milliseconds.
	StepLengthMili *int `json:"StepLengthMili" validate:"required,gt=0"`
	// Broker host name or address.
	URI string `json:"URI" validate:"notblank"`
	// Optional credentials. Both must be set for authentication to be used.
	User     string `json:"User"`
	Password string `json:"Password"`
	// Broker port.
	Port *int `json:"Port" validate:"required,min=1,max=65535"`
	// Wrap the session in TLS. Absent means plain TCP.
	Secure *bool `json:"Secure"`
	// Topics to subscribe to and buffer. Blank entries are ignored.
	Topics []string `json:"Topics" validate:"required,min=1,anynotblank"`
}

// PollInterval returns StepLengthMili as a duration, or zero when unset.
func (c *ConfigSnapshot) PollInterval() time.Duration {
	if c.StepLengthMili == nil {
		return 0
	}
	return time.Duration(*c.StepLengthMili) * time.Millisecond
}

// ConnectOptions derives the connection parameters for the supervisor.
func (c *ConfigSnapshot) ConnectOptions() ConnectOptions {
	opts := ConnectOptions{
		URI:      c.URI,
		User:     c.User,
		Password: c.Password,
	}
	if c.Port != nil {
		opts.Port = *c.Port
	}
	if c.Secure != nil {
		opts.Secure = *c.Secure
	}
	return opts
}

// String renders the snapshot for logs with the password masked.
func (c *ConfigSnapshot) String() string {
	password := ""
	if c.Password != "" {
		password = "****"
	}
	return fmt.Sprintf("StepLengthMili: %s, URI: %s, User: %s, Password: %s, Port: %s, Secure: %s, Topics: %v",
		intOrNil(c.StepLengthMili), c.URI, c.User, password, intOrNil(c.Port), boolOrNil(c.Secure), c.Topics)
}

func intOrNil(v *int) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *v)
}

func boolOrNil(v *bool) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%t", *v)
}

// ConnectOptions are the broker parameters the supervisor connects with.
type ConnectOptions struct {
	URI      string
	User     string
	Password string
	Port     int
	Secure   bool
}

// SessionOptions is what a Transport needs to start a managed session.
type SessionOptions struct {
	ClientID     string
	Host         string
	Port         int
	Username     string
	Password     string
	TLS          bool
	CleanSession bool
	// Fixed delay between reconnect attempts after a drop.
	ReconnectDelay time.Duration
}

// Authenticated reports whether credentials are carried by the session.
func (o SessionOptions) Authenticated() bool {
	return o.Username != "" && o.Password != ""
}
