// Package ledger keeps a durable record of every run's lifecycle so operators
// can see which compute units were requested, what they reported and whether
// they were cleaned up.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spotetl/pkg/bus"
	"spotetl/pkg/compute"
	"spotetl/pkg/lifecycle"
	"spotetl/pkg/outcome"
)

const (
	// DefaultListLimit bounds List when the caller passes no limit.
	DefaultListLimit = 50
	// MaxListLimit is the largest page operators may request.
	MaxListLimit = 500
)

// Ledger applies lifecycle events to stored runs.
type Ledger struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Ledger over store.
func New(store Store, logger zerolog.Logger) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Ledger{store: store, logger: logger, now: time.Now}, nil
}

// Provision records a trigger invocation. A nil provErr moves the run to
// Provisioned; otherwise the request failed and the run ends Terminated with
// nothing to clean up.
func (l *Ledger) Provision(ctx context.Context, runID uuid.UUID, env string, handle compute.Handle, tags map[string]string, provErr error) error {
	if runID == uuid.Nil {
		return errors.New("run id is required")
	}
	now := l.now().UTC()
	run := &Run{
		ID:          runID,
		Environment: env,
		RequestID:   handle.RequestID,
		InstanceID:  handle.InstanceID,
		State:       lifecycle.Provisioned,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	if len(tags) > 0 {
		run.Tags = make(map[string]any, len(tags))
		for k, v := range tags {
			run.Tags[k] = v
		}
	}
	if provErr != nil {
		text := provErr.Error()
		run.State = lifecycle.Terminated
		run.Error = &text
		run.TerminatedAt = &now
	}

	if err := l.store.Insert(ctx, run, []lifecycle.State{run.State}); err != nil {
		return err
	}
	l.logger.Debug().Str("run_id", runID.String()).Str("state", string(run.State)).Msg("run recorded")
	return nil
}

// Outcome records the settled state announced by msg.
func (l *Ledger) Outcome(ctx context.Context, msg outcome.Message) error {
	target, err := lifecycle.FromOutcome(msg.Status)
	if err != nil {
		return err
	}
	return l.apply(ctx, msg, target)
}

// Terminated records that the unit which produced msg has been terminated,
// settling the run first when its outcome has not been recorded yet.
func (l *Ledger) Terminated(ctx context.Context, msg outcome.Message) error {
	return l.apply(ctx, msg, lifecycle.Terminated)
}

func (l *Ledger) apply(ctx context.Context, msg outcome.Message, target lifecycle.State) error {
	run, err := l.find(ctx, msg)
	if errors.Is(err, ErrRunNotFound) {
		l.logger.Info().
			Str("run_id", msg.RunID).
			Str("instance_id", msg.Instance()).
			Str("state", string(target)).
			Msg("no ledger entry for run, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	from := run.State
	if from == target || from.Terminal() {
		return nil
	}

	settled, err := lifecycle.FromOutcome(msg.Status)
	if err != nil {
		return err
	}

	var steps []lifecycle.State
	if !from.Settled() {
		if steps, err = lifecycle.Path(from, settled); err != nil {
			return err
		}
	}
	if target == lifecycle.Terminated {
		steps = append(steps, lifecycle.Terminated)
	}
	if len(steps) == 0 {
		return nil
	}
	for i, prev := 0, from; i < len(steps); i++ {
		if _, err := lifecycle.Advance(prev, steps[i]); err != nil {
			return err
		}
		prev = steps[i]
	}

	now := l.now().UTC()
	if run.InstanceID == nil && msg.InstanceID != nil {
		id := msg.Instance()
		run.InstanceID = &id
	}
	if !from.Settled() {
		finished := now
		if msg.FinishedAt != nil {
			finished = msg.FinishedAt.UTC()
		}
		run.FinishedAt = &finished
		if settled == lifecycle.Failed {
			text := msg.ErrorText()
			run.Error = &text
		}
	}
	if target == lifecycle.Terminated {
		run.TerminatedAt = &now
	}
	run.State = steps[len(steps)-1]
	run.UpdatedAt = now

	if err := l.store.Update(ctx, run, from, steps); err != nil {
		return err
	}
	l.logger.Info().
		Str("run_id", run.ID.String()).
		Str("instance_id", msg.Instance()).
		Str("from", string(from)).
		Str("to", string(run.State)).
		Msg("run advanced")
	return nil
}

func (l *Ledger) find(ctx context.Context, msg outcome.Message) (*Run, error) {
	var runID uuid.UUID
	if raw := strings.TrimSpace(msg.RunID); raw != "" {
		if parsed, err := uuid.Parse(raw); err == nil {
			runID = parsed
		}
	}
	return l.store.Find(ctx, runID, msg.Instance())
}

// List returns the most recent runs first.
func (l *Ledger) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return l.store.List(ctx, limit)
}

// HandleDelivery decodes one outcome delivery and records it. Payloads that
// can never be applied are marked permanent so the bus stops redelivering.
func (l *Ledger) HandleDelivery(ctx context.Context, data []byte) error {
	msg, err := outcome.DecodeDelivery(data)
	if err != nil {
		l.logger.Warn().Err(err).Msg("dropping malformed outcome")
		return bus.Permanent(err)
	}
	if err := l.Outcome(ctx, msg); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			return bus.Permanent(err)
		}
		return err
	}
	return nil
}
