// Package store defines the interface for the agent's persistent store.
package store

import (
	"context"
	"fmt"

	"mqttsink-agent/src/contracts"
)

// Store fetches the remote configuration and receives flushed windows.
type Store interface {
	// FetchConfig returns the configuration stored under code, or nil when there is none.
	FetchConfig(ctx context.Context, code string) (*contracts.ConfigSnapshot, error)

	// InsertBatch hands a serialized window to the store. It reports false when the
	// store accepted the call but did not write the expected rows.
	InsertBatch(ctx context.Context, payload []byte) (bool, error)

	// Close closes the store connection
	Close() error
}

// Pinger is implemented by stores that can check their connection without a query.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Error is returned for transport or decoding failures talking to the store.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
