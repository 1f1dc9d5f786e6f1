// Package store provides an in-memory store implementation.
package store

import (
	"context"
	"sync"

	"mqttsink-agent/src/contracts"
)

// MemoryStore is an in-memory implementation of Store.
// Useful for testing and for running the agent without a database.
type MemoryStore struct {
	mu         sync.RWMutex
	configs    map[string]*contracts.ConfigSnapshot
	batches    [][]byte
	fetchErrs  []error // consumed one per FetchConfig call before configs is consulted
	fetchCalls int
	inserts    int
	insertErr  error
	reject     bool
	pingErr    error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[string]*contracts.ConfigSnapshot),
	}
}

// SetConfig stores cfg under code.
func (s *MemoryStore) SetConfig(code string, cfg *contracts.ConfigSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[code] = cfg
}

// FailFetches queues errors returned by the next FetchConfig calls, in order.
func (s *MemoryStore) FailFetches(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErrs = append(s.fetchErrs, errs...)
}

// FailInserts makes InsertBatch return err. Pass nil to clear.
func (s *MemoryStore) FailInserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

// RejectInserts makes InsertBatch report false without an error.
func (s *MemoryStore) RejectInserts(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = reject
}

// FailPing makes Ping return err. Pass nil to clear.
func (s *MemoryStore) FailPing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// Ping reports the error set by FailPing.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pingErr != nil {
		return &Error{Op: "ping", Err: s.pingErr}
	}
	return nil
}

// FetchConfig returns the configuration stored under code.
func (s *MemoryStore) FetchConfig(ctx context.Context, code string) (*contracts.ConfigSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchCalls++
	if len(s.fetchErrs) > 0 {
		err := s.fetchErrs[0]
		s.fetchErrs = s.fetchErrs[1:]
		return nil, &Error{Op: "fetch config", Err: err}
	}

	return s.configs[code], nil
}

// InsertBatch records payload.
func (s *MemoryStore) InsertBatch(ctx context.Context, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inserts++
	if s.insertErr != nil {
		return false, &Error{Op: "insert batch", Err: s.insertErr}
	}
	if s.reject {
		return false, nil
	}

	s.batches = append(s.batches, append([]byte(nil), payload...))
	return true, nil
}

// FetchCalls returns how many times FetchConfig was called.
func (s *MemoryStore) FetchCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetchCalls
}

// InsertCalls returns how many times InsertBatch was called, accepted or not.
func (s *MemoryStore) InsertCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inserts
}

// Batches returns copies of the accepted payloads.
func (s *MemoryStore) Batches() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]byte, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
