// Package control runs the pipeline lifecycle behind a small HTTP surface:
// start, stop, and status.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the pipeline lifecycle state.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
)

// Runner is one pipeline run. Run blocks until the run ends; Ready closes
// once the run is live (stream subscribed).
type Runner interface {
	Run(ctx context.Context) error
	Ready() <-chan struct{}
	Stats() PipelineStats
}

// Factory builds a fresh Runner for each start. Long-lived caches live
// outside the factory so restarts keep them warm.
type Factory func() (Runner, error)

// Service serializes start/stop transitions over one pipeline at a time.
type Service struct {
	factory      Factory
	startTimeout time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	state   State
	runID   string
	runner  Runner
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// NewService creates a control service around the runner factory.
func NewService(factory Factory, startTimeout time.Duration) *Service {
	if startTimeout == 0 {
		startTimeout = 15 * time.Second
	}
	return &Service{
		factory:      factory,
		startTimeout: startTimeout,
		logger:       log.With().Str("component", "control").Logger(),
		state:        StateStopped,
	}
}

// Start launches a pipeline run. It returns (false, nil) when a run is
// already active, and an error when the run failed to come up.
func (s *Service) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	// STOPPING counts as busy: a start must not race a draining stop into
	// a second live pipeline.
	if s.state != StateStopped {
		s.mu.Unlock()
		return false, nil
	}

	runner, err := s.factory()
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("control: build pipeline: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	runID := uuid.NewString()
	runLogger := s.logger.With().Str("run_id", runID).Logger()

	s.state = StateStarting
	s.runID = runID
	s.runner = runner
	s.cancel = cancel
	s.done = done
	s.lastErr = nil
	s.mu.Unlock()

	go func() {
		err := runner.Run(runCtx)
		s.mu.Lock()
		// Only the goroutine that still owns the current run may move the
		// state; a stale run must not clobber a successor's.
		if s.done == done {
			s.lastErr = err
			s.state = StateStopped
		}
		s.mu.Unlock()
		close(done)
		if err != nil {
			runLogger.Error().Err(err).Msg("pipeline run ended with error")
		} else {
			runLogger.Info().Msg("pipeline run ended")
		}
	}()

	// Wait for the stream to come up before reporting success. Concurrent
	// transitions see STARTING and bounce off.
	select {
	case <-runner.Ready():
		s.mu.Lock()
		if s.state == StateStarting {
			s.state = StateRunning
		}
		s.mu.Unlock()
		runLogger.Info().Msg("pipeline running")
		return true, nil
	case <-done:
		s.mu.Lock()
		err := s.lastErr
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("control: pipeline exited before becoming ready")
		}
		return false, err
	case <-time.After(s.startTimeout):
		cancel()
		return false, fmt.Errorf("control: pipeline not ready within %s", s.startTimeout)
	case <-ctx.Done():
		cancel()
		return false, ctx.Err()
	}
}

// Stop cancels the active run and waits for it to wind down. It returns
// false when no run is active.
func (s *Service) Stop(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateStarting {
		s.mu.Unlock()
		return false, nil
	}
	s.state = StateStopping
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return true, fmt.Errorf("control: stop wait: %w", ctx.Err())
	}

	s.logger.Info().Msg("pipeline stopped")
	return true, nil
}

// StatusReport is the externally visible service state.
type StatusReport struct {
	State           State          `json:"state"`
	RunID           string         `json:"run_id,omitempty"`
	EventsProcessed int64          `json:"eventsProcessed"`
	OrdersSubmitted int64          `json:"ordersSubmitted"`
	LastError       string         `json:"last_error,omitempty"`
	Pipeline        *PipelineStats `json:"pipeline,omitempty"`
}

// Status reports the current state and, when a runner exists, its counters.
// Counters from the most recent run remain visible after it stops.
func (s *Service) Status() StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := StatusReport{State: s.state, RunID: s.runID}
	if s.lastErr != nil {
		report.LastError = s.lastErr.Error()
	}
	if s.runner != nil {
		stats := s.runner.Stats()
		report.Pipeline = &stats
		report.EventsProcessed = stats.Engine.Processed
		report.OrdersSubmitted = stats.Orders.Submitted
	}
	return report
}
