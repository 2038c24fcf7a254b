// Package cleanup terminates the compute unit named by each outcome message.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"spotetl/pkg/bus"
	"spotetl/pkg/compute"
	"spotetl/pkg/metrics"
	"spotetl/pkg/outcome"
	"spotetl/pkg/telemetry"
)

// Terminator issues termination requests.
type Terminator interface {
	Terminate(ctx context.Context, instanceID string) (compute.Termination, error)
}

// Recorder is notified after a unit is gone.
type Recorder interface {
	Terminated(ctx context.Context, msg outcome.Message) error
}

// Result mirrors the function response: a status code and a human readable body.
type Result struct {
	StatusCode int    `json:"statusCode"`
	InstanceID string `json:"instance_id,omitempty"`
	Body       string `json:"body"`
}

// Service is the cleanup component. It keeps no state between messages.
type Service struct {
	terminator Terminator
	recorder   Recorder
	metrics    *metrics.Metrics
	timeout    time.Duration
	flush      func(context.Context) error
	logger     zerolog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithRecorder records terminations in the run ledger.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithMetrics sets the collectors used for termination results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTimeout bounds each message when the caller's context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithFlush registers a hook run after every SNS delivery.
func WithFlush(flush func(context.Context) error) Option {
	return func(s *Service) { s.flush = flush }
}

// New creates a Service.
func New(terminator Terminator, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if terminator == nil {
		return nil, errors.New("terminator is required")
	}
	s := &Service{
		terminator: terminator,
		metrics:    metrics.Discard(),
		timeout:    5 * time.Minute,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handle processes one delivery. Malformed payloads yield a 400 result and an
// error matching outcome.ErrMalformed without any termination. Termination
// failures yield a 500 result and an error matching compute.ErrTermination so
// the delivery infrastructure can retry.
func (s *Service) Handle(ctx context.Context, payload []byte) (Result, error) {
	if _, ok := ctx.Deadline(); !ok && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ctx, span := telemetry.Tracer("spotetl/cleanup").Start(ctx, "cleanup.handle")
	defer span.End()

	msg, err := outcome.DecodeDelivery(payload)
	if err != nil {
		return s.malformed(err), err
	}
	instanceID, err := msg.RequireInstance()
	if err != nil {
		return s.malformed(err), err
	}
	if !compute.ValidInstanceID(instanceID) {
		err := fmt.Errorf("%w: %w %q", outcome.ErrMalformed, compute.ErrInvalidInstanceID, instanceID)
		return s.malformed(err), err
	}

	logger := s.logger.With().
		Str("instance_id", instanceID).
		Str("status", string(msg.Status)).
		Str("run_id", msg.RunID).
		Logger()
	span.SetAttributes(attribute.String("instance_id", instanceID))
	if msg.Status == outcome.StatusFailed {
		logger.Warn().Str("job_error", msg.ErrorText()).Msg("job reported failure")
	}

	result, err := s.terminator.Terminate(ctx, instanceID)
	switch {
	case errors.Is(err, compute.ErrInvalidInstanceID):
		err = fmt.Errorf("%w: %v", outcome.ErrMalformed, err)
		return s.malformed(err), err
	case err != nil:
		s.metrics.Terminations.WithLabelValues(metrics.TerminationFailed).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "termination failed")
		logger.Error().Err(err).Msg("termination failed")
		return Result{
			StatusCode: http.StatusInternalServerError,
			InstanceID: instanceID,
			Body:       "Error processing message: " + err.Error(),
		}, err
	}

	label := metrics.TerminationTerminated
	if result == compute.AlreadyGone {
		label = metrics.TerminationAlreadyGone
	}
	s.metrics.Terminations.WithLabelValues(label).Inc()
	logger.Info().Str("result", label).Msg("compute unit terminated")

	if s.recorder != nil {
		if err := s.recorder.Terminated(ctx, msg); err != nil {
			logger.Warn().Err(err).Msg("failed to record termination in ledger")
		}
	}

	return Result{
		StatusCode: http.StatusOK,
		InstanceID: instanceID,
		Body:       "Successfully terminated instance " + instanceID,
	}, nil
}

func (s *Service) malformed(err error) Result {
	s.metrics.Terminations.WithLabelValues(metrics.TerminationMalformed).Inc()
	s.logger.Error().Err(err).Msg("discarding malformed outcome message")
	return Result{
		StatusCode: http.StatusBadRequest,
		Body:       "Error processing message: " + err.Error(),
	}
}

// HandleDelivery adapts Handle to a JetStream consumer: malformed messages are
// terminated, termination failures are redelivered.
func (s *Service) HandleDelivery(ctx context.Context, data []byte) error {
	_, err := s.Handle(ctx, data)
	if errors.Is(err, outcome.ErrMalformed) {
		return bus.Permanent(err)
	}
	return err
}
