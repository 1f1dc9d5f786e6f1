package services

import (
	"time"

	"github.com/thejerf/suture/v4"

	"mqttsink-agent/src/logger"
)

// TreeConfig holds the supervisor's restart policy.
type TreeConfig struct {
	// Failures before backing off. Default: 5.
	FailureThreshold float64
	// Rate at which failures decay, in seconds. Default: 30.
	FailureDecay float64
	// Pause once the threshold is exceeded. Default: 15s.
	FailureBackoff time.Duration
	// Time services get to stop on shutdown. Default: 10s.
	ShutdownTimeout time.Duration
}

// NewTree creates the root supervisor. Suture events are logged through log.
func NewTree(log logger.Logger, cfg TreeConfig) *suture.Supervisor {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	return suture.New("mqttsink", suture.Spec{
		EventHook:        eventHook(log),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
}

func eventHook(log logger.Logger) suture.EventHook {
	return func(e suture.Event) {
		switch e.Type() {
		case suture.EventTypeBackoff, suture.EventTypeResume:
			log.Info("[Tree] %s", e)
		default:
			log.Warn("[Tree] %s", e)
		}
	}
}
