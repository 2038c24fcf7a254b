// Package scheduler runs the trigger on a fixed schedule for deployments that
// have no managed scheduler, and exposes a small HTTP surface for operators.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"spotetl/pkg/compute"
	"spotetl/pkg/metrics"
	"spotetl/services/ledger"
)

// Invoker runs one trigger invocation.
type Invoker interface {
	Invoke(ctx context.Context) (compute.Handle, error)
}

// RunLister reads the run ledger.
type RunLister interface {
	List(ctx context.Context, limit int) ([]ledger.Run, error)
}

// Scheduler owns the cron loop.
type Scheduler struct {
	invoker Invoker
	runs    RunLister
	metrics *metrics.Metrics
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	started atomic.Bool
}

// New creates a Scheduler. runs may be nil when no ledger is configured.
func New(invoker Invoker, runs RunLister, m *metrics.Metrics, logger zerolog.Logger, timeout time.Duration) (*Scheduler, error) {
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Scheduler{
		invoker: invoker,
		runs:    runs,
		metrics: m,
		logger:  logger,
		timeout: timeout,
	}, nil
}

// Start schedules the trigger with a standard cron spec or descriptor such as
// "@every 1h". Overlapping ticks are skipped.
func (s *Scheduler) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	cronLogger := cron.PrintfLogger(&s.logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	id, err := c.AddFunc(spec, func() { _, _ = s.Tick(context.Background()) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	c.Start()

	s.cron = c
	s.entry = id
	s.started.Store(true)
	s.logger.Info().Str("schedule", spec).Time("next", c.Entry(id).Next).Msg("scheduler started")
	return nil
}

// Stop halts scheduling and waits for a running tick to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	s.started.Store(false)
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Ready reports whether the cron loop is running.
func (s *Scheduler) Ready() bool {
	return s.started.Load()
}

// Tick performs one trigger invocation.
func (s *Scheduler) Tick(ctx context.Context) (compute.Handle, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	handle, err := s.invoker.Invoke(ctx)
	if err != nil {
		s.metrics.SchedulerTicks.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Msg("scheduled trigger failed")
		return compute.Handle{}, err
	}
	s.metrics.SchedulerTicks.WithLabelValues("ok").Inc()
	return handle, nil
}
