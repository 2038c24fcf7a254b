// Package trigger provisions one ETL compute unit per scheduled invocation.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"spotetl/pkg/compute"
	"spotetl/pkg/config"
	"spotetl/pkg/metrics"
	"spotetl/pkg/render"
	"spotetl/pkg/s3"
	"spotetl/pkg/telemetry"
)

// Provisioner issues the single provisioning request.
type Provisioner interface {
	Provision(ctx context.Context, spec compute.Spec) (compute.Handle, error)
}

// Describer refreshes a spot request handle. Provisioners that implement it
// let Invoke report the fulfilled instance id.
type Describer interface {
	Describe(ctx context.Context, requestID string) (compute.Handle, error)
}

// Presigner turns a code storage location into a time-limited URL.
type Presigner interface {
	PresignGet(ctx context.Context, loc s3.Location, ttl time.Duration) (string, error)
}

// Recorder persists the result of each invocation.
type Recorder interface {
	Provision(ctx context.Context, runID uuid.UUID, env string, handle compute.Handle, tags map[string]string, provErr error) error
}

// Service is the trigger component. It is stateless between invocations.
type Service struct {
	cfg         config.Trigger
	provisioner Provisioner
	engine      *render.Engine
	location    s3.Location
	presigner   Presigner
	recorder    Recorder
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	newRunID    func() uuid.UUID
	pollEvery   time.Duration
	flush       func(context.Context) error
}

// Option customises a Service.
type Option func(*Service)

// WithPresigner makes the bootstrap script download the bundle over a
// presigned URL instead of the AWS CLI. It only applies when
// BUNDLE_PRESIGN_TTL is positive.
func WithPresigner(p Presigner) Option {
	return func(s *Service) { s.presigner = p }
}

// WithRecorder records every invocation in the run ledger.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithMetrics sets the collectors used for provisioning results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithFlush registers a hook run at the end of every scheduled event, e.g.
// to export buffered spans before a Lambda container is frozen.
func WithFlush(flush func(context.Context) error) Option {
	return func(s *Service) { s.flush = flush }
}

// New validates the configuration and prepares the bootstrap renderer.
func New(cfg config.Trigger, provisioner Provisioner, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if provisioner == nil {
		return nil, errors.New("provisioner is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := s3.ParseLocation(cfg.CodeLocation)
	if err != nil {
		return nil, fmt.Errorf("CODE_STORAGE_LOCATION: %w", err)
	}
	if cfg.SecretsLocation != "" {
		if _, err := s3.ParseObjectLocation(cfg.SecretsLocation); err != nil {
			return nil, fmt.Errorf("ETL_SECRETS_LOCATION: %w", err)
		}
	}
	engine, err := render.New()
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg,
		provisioner: provisioner,
		engine:      engine,
		location:    loc,
		metrics:     metrics.Discard(),
		logger:      logger,
		newRunID:    uuid.New,
		pollEvery:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Invoke issues exactly one provisioning request and returns its handle. It
// never publishes a notification and never retries.
func (s *Service) Invoke(ctx context.Context) (compute.Handle, error) {
	if _, ok := ctx.Deadline(); !ok && s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	runID := s.newRunID()
	ctx, span := telemetry.Tracer("spotetl/trigger").Start(ctx, "trigger.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID.String()),
		attribute.String("environment", s.cfg.Environment),
	)

	logger := s.logger.With().Str("run_id", runID.String()).Logger()
	tags := s.tags(runID)

	handle, err := s.provision(ctx, runID, tags)
	if err != nil {
		s.metrics.ProvisionRequests.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "provisioning failed")
		logger.Error().Err(err).Msg("provisioning request failed")
		s.record(ctx, logger, runID, compute.Handle{}, tags, err)
		return compute.Handle{}, err
	}

	s.metrics.ProvisionRequests.WithLabelValues("requested").Inc()
	handle = s.awaitFulfillment(ctx, logger, handle)
	span.SetAttributes(attribute.String("request_id", handle.RequestID))
	evt := logger.Info().Str("request_id", handle.RequestID).Str("market", s.cfg.Market)
	if handle.InstanceID != nil {
		evt = evt.Str("instance_id", *handle.InstanceID)
	}
	evt.Msg("compute unit requested")

	s.record(ctx, logger, runID, handle, tags, nil)
	return handle, nil
}

// awaitFulfillment polls a spot request for its instance id for at most
// FULFILLMENT_WAIT. It never issues another provisioning request; on timeout
// or error the handle is returned as is.
func (s *Service) awaitFulfillment(ctx context.Context, logger zerolog.Logger, handle compute.Handle) compute.Handle {
	describer, ok := s.provisioner.(Describer)
	if !ok || handle.InstanceID != nil || handle.RequestID == "" || s.cfg.FulfillmentWait <= 0 {
		return handle
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.FulfillmentWait)
	defer cancel()
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Warn().Str("request_id", handle.RequestID).Msg("spot request not fulfilled yet")
			return handle
		case <-ticker.C:
		}

		refreshed, err := describer.Describe(ctx, handle.RequestID)
		if err != nil {
			logger.Warn().Err(err).Str("request_id", handle.RequestID).Msg("describe spot request")
			return handle
		}
		if refreshed.InstanceID != nil {
			handle.InstanceID = refreshed.InstanceID
			return handle
		}
	}
}

func (s *Service) provision(ctx context.Context, runID uuid.UUID, tags map[string]string) (compute.Handle, error) {
	script, err := s.bootstrap(ctx, runID)
	if err != nil {
		return compute.Handle{}, fmt.Errorf("%w: %v", compute.ErrProvisioning, err)
	}

	return s.provisioner.Provision(ctx, compute.Spec{
		ImageID:           s.cfg.ImageID,
		InstanceType:      s.cfg.InstanceType,
		Subnet:            s.cfg.Subnet,
		SecurityGroupID:   s.cfg.SecurityPolicyID,
		CapabilityProfile: s.cfg.CapabilityProfile,
		Market:            s.cfg.Market,
		UserData:          script,
		Tags:              tags,
	})
}

func (s *Service) bootstrap(ctx context.Context, runID uuid.UUID) (string, error) {
	data := render.Bootstrap{
		RunID:           runID.String(),
		Environment:     s.cfg.Environment,
		TopicID:         s.cfg.Notification.TopicID,
		Backend:         s.cfg.Notification.Backend,
		Region:          s.cfg.AWS.Region,
		BundleLocation:  s.location.String(),
		BundlePublicKey: s.cfg.BundlePublicKey,
		SecretsLocation: s.cfg.SecretsLocation,
		DataSourceConn:  s.cfg.DataSourceConn,
		DataDestConn:    s.cfg.DataDestConn,
		SourceQuery:     s.cfg.SourceQuery,
		DestTable:       s.cfg.DestTable,
		TruncateDest:    s.cfg.TruncateDest,
	}
	if s.cfg.Notification.Backend == config.BackendNATS {
		data.NATSURL = s.cfg.Notification.NATSURL
	}
	if s.presigner != nil && s.cfg.BundlePresignTTL > 0 {
		url, err := s.presigner.PresignGet(ctx, s.location, s.cfg.BundlePresignTTL)
		if err != nil {
			return "", fmt.Errorf("presign bundle: %w", err)
		}
		data.BundleURL = url
	}
	return s.engine.Bootstrap(data)
}

func (s *Service) tags(runID uuid.UUID) map[string]string {
	return map[string]string{
		"Name":        s.cfg.Environment + "-etl-runner",
		"Environment": s.cfg.Environment,
		"Project":     s.cfg.Project,
		"RunID":       runID.String(),
	}
}

func (s *Service) record(ctx context.Context, logger zerolog.Logger, runID uuid.UUID, handle compute.Handle, tags map[string]string, provErr error) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Provision(ctx, runID, s.cfg.Environment, handle, tags, provErr); err != nil {
		logger.Warn().Err(err).Msg("failed to record run in ledger")
	}
}
