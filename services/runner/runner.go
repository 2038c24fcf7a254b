// Package runner executes the ETL body on the compute unit and reports its
// outcome exactly once.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"spotetl/pkg/identity"
	"spotetl/pkg/metrics"
	"spotetl/pkg/notify"
	"spotetl/pkg/outcome"
	"spotetl/pkg/telemetry"
)

var (
	// ErrJob marks a failure of the ETL body.
	ErrJob = errors.New("etl job failed")
	// ErrIdentity marks a failure to learn which compute unit this is.
	ErrIdentity = errors.New("instance identity lookup failed")
)

// Timeouts applied when Options leave them unset.
const (
	DefaultIdentityTimeout = 10 * time.Second
	DefaultPublishTimeout  = 30 * time.Second
)

// Body is the ETL work. It is constructed and run inside the failure boundary.
type Body func(ctx context.Context) error

// Options configure a Runner.
type Options struct {
	RunID           string
	Environment     string
	IdentityTimeout time.Duration
	PublishTimeout  time.Duration
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// Runner ties identity, body and publisher together for one run.
type Runner struct {
	identity  identity.Resolver
	publisher notify.Publisher
	body      Body
	opts      Options
	logger    zerolog.Logger
}

// New validates dependencies.
func New(id identity.Resolver, publisher notify.Publisher, body Body, logger zerolog.Logger, opts Options) (*Runner, error) {
	if id == nil {
		return nil, errors.New("identity resolver is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if body == nil {
		return nil, errors.New("job body is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IdentityTimeout <= 0 {
		opts.IdentityTimeout = DefaultIdentityTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	return &Runner{identity: id, publisher: publisher, body: body, opts: opts, logger: logger}, nil
}

// Run resolves identity, runs the body and publishes one outcome. It returns
// nil only when the body succeeded and the outcome was delivered. The body is
// skipped when identity cannot be resolved.
func (r *Runner) Run(ctx context.Context) error {
	ctx, span := telemetry.Tracer("spotetl/runner").Start(ctx, "runner.run")
	defer span.End()

	logger := r.logger.With().Str("run_id", r.opts.RunID).Logger()

	instanceID, jobErr := r.resolveIdentity(ctx)
	if jobErr == nil {
		logger = logger.With().Str("instance_id", instanceID).Logger()
		span.SetAttributes(attribute.String("instance_id", instanceID))
		jobErr = r.runBody(ctx, logger)
	} else {
		logger.Error().Err(jobErr).Msg("skipping job, instance identity unknown")
	}

	meta := outcome.Meta{RunID: r.opts.RunID, Environment: r.opts.Environment, FinishedAt: r.opts.Now()}
	msg := outcome.Completed(instanceID, meta)
	if jobErr != nil {
		msg = outcome.Failed(instanceID, errors.Unwrap(jobErr), meta)
		span.RecordError(jobErr)
		span.SetStatus(codes.Error, "job failed")
	}

	pubErr := r.publish(ctx, logger, msg)
	return errors.Join(jobErr, pubErr)
}

func (r *Runner) resolveIdentity(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.IdentityTimeout)
	defer cancel()
	id, err := r.identity.InstanceID(ctx)
	if err != nil {
		return "", wrapCause(ErrIdentity, err)
	}
	return id, nil
}

func (r *Runner) runBody(ctx context.Context, logger zerolog.Logger) (err error) {
	start := r.opts.Now()
	logger.Info().Msg("etl job started")

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Str("stack", string(debug.Stack())).Msg("etl job panicked")
			err = wrapCause(ErrJob, fmt.Errorf("panic: %v", p))
		}

		status := outcome.StatusCompleted
		if err != nil {
			status = outcome.StatusFailed
		}
		elapsed := r.opts.Now().Sub(start)
		r.opts.Metrics.JobDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())

		if err != nil {
			logger.Error().Err(err).Dur("duration", elapsed).Msg("etl job failed")
		} else {
			logger.Info().Dur("duration", elapsed).Msg("etl job completed")
		}
	}()

	if err := r.body(ctx); err != nil {
		return wrapCause(ErrJob, err)
	}
	return nil
}

func (r *Runner) publish(ctx context.Context, logger zerolog.Logger, msg outcome.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.PublishTimeout)
	defer cancel()

	id, err := r.publisher.Publish(ctx, msg)
	if err != nil {
		logger.Error().Err(err).Str("status", string(msg.Status)).Msg("outcome not delivered")
		return err
	}
	r.opts.Metrics.OutcomesPublished.WithLabelValues(string(msg.Status)).Inc()
	logger.Info().Str("status", string(msg.Status)).Str("message_id", id).Msg("outcome published")
	return nil
}

// causeError pairs a sentinel kind with the underlying cause. Unwrap exposes
// the cause so the outcome carries the original text; Is matches the kind.
type causeError struct {
	kind  error
	cause error
}

func wrapCause(kind, cause error) error {
	return &causeError{kind: kind, cause: cause}
}

func (e *causeError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }
func (e *causeError) Unwrap() error { return e.cause }
func (e *causeError) Is(target error) bool {
	return target == e.kind
}
