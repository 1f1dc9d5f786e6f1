// Package services wraps the agent's long-running parts as suture services.
package services

import (
	"context"
	"errors"
	"sync"

	"github.com/thejerf/suture/v4"

	"mqttsink-agent/src/agent"
	"mqttsink-agent/src/logger"
)

// Runner is the blocking part of a service. *agent.Agent satisfies it.
type Runner interface {
	Run(ctx context.Context) error
}

// AgentService runs the poll loop under suture. Errors that no restart can fix
// stop the whole tree; the error is kept for the caller to report.
type AgentService struct {
	runner Runner
	logger logger.Logger

	mu    sync.Mutex
	fatal error
}

// NewAgentService wraps runner.
func NewAgentService(runner Runner, log logger.Logger) *AgentService {
	return &AgentService{runner: runner, logger: log}
}

// Serve implements suture.Service.
func (s *AgentService) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)
	switch {
	case err == nil:
		return ctx.Err()
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, agent.ErrInvalidSettings), errors.Is(err, agent.ErrInvalidConfig):
		s.mu.Lock()
		s.fatal = err
		s.mu.Unlock()
		s.logger.Error("[AgentService] Stopping: %v", err)
		return suture.ErrTerminateSupervisorTree
	default:
		return err
	}
}

// Err returns the error that terminated the tree, if any.
func (s *AgentService) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// String implements fmt.Stringer for suture's logs.
func (s *AgentService) String() string {
	return "agent"
}
