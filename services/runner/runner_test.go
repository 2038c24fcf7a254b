package runner

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotetl/pkg/config"
	"spotetl/pkg/identity"
	"spotetl/pkg/metrics"
	"spotetl/pkg/notify"
	"spotetl/pkg/outcome"
	"spotetl/pkg/s3"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []outcome.Message
	err      error
	ctxErr   error
}

func (p *recordingPublisher) Publish(ctx context.Context, msg outcome.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	p.ctxErr = ctx.Err()
	if p.err != nil {
		return "", p.err
	}
	return "msg-1", nil
}

type failingIdentity struct{ err error }

func (f failingIdentity) InstanceID(context.Context) (string, error) { return "", f.err }

func newTestRunner(t *testing.T, id identity.Resolver, pub notify.Publisher, body Body, m *metrics.Metrics) *Runner {
	t.Helper()
	r, err := New(id, pub, body, zerolog.Nop(), Options{
		RunID:           "run-1",
		Environment:     "dev",
		IdentityTimeout: time.Second,
		PublishTimeout:  time.Second,
		Metrics:         m,
		Now:             func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return r
}

func TestRunPublishesCompleted(t *testing.T) {
	pub := &recordingPublisher{}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	called := 0
	r := newTestRunner(t, identity.Static("i-abc123"), pub, func(context.Context) error {
		called++
		return nil
	}, m)

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 1, called)

	require.Len(t, pub.messages, 1, "exactly one outcome")
	msg := pub.messages[0]
	assert.Equal(t, outcome.StatusCompleted, msg.Status)
	assert.Equal(t, "i-abc123", msg.Instance())
	assert.Nil(t, msg.Error)
	assert.Equal(t, "run-1", msg.RunID)
	assert.Equal(t, "dev", msg.Environment)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutcomesPublished.WithLabelValues("completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.JobDuration))
}

func TestRunPublishesFailedOnConnectionRefused(t *testing.T) {
	pub := &recordingPublisher{}
	r := newTestRunner(t, identity.Static("i-abc123"), pub, func(context.Context) error {
		return errors.New("connection refused")
	}, nil)

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJob)

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, outcome.StatusFailed, msg.Status)
	assert.Equal(t, "i-abc123", msg.Instance())
	assert.Equal(t, "connection refused", msg.ErrorText())
}

func TestRunRecoversPanic(t *testing.T) {
	pub := &recordingPublisher{}
	r := newTestRunner(t, identity.Static("i-abc123"), pub, func(context.Context) error {
		panic("boom")
	}, nil)

	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrJob)

	require.Len(t, pub.messages, 1)
	assert.Equal(t, outcome.StatusFailed, pub.messages[0].Status)
	assert.Equal(t, "panic: boom", pub.messages[0].ErrorText())
}

func TestRunIdentityFailureSkipsBody(t *testing.T) {
	pub := &recordingPublisher{}
	called := false
	r := newTestRunner(t, failingIdentity{err: identity.ErrUnavailable}, pub, func(context.Context) error {
		called = true
		return nil
	}, nil)

	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrIdentity)
	assert.False(t, called, "job body must not run without identity")

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, outcome.StatusFailed, msg.Status)
	assert.Nil(t, msg.InstanceID)
	assert.Contains(t, msg.ErrorText(), "instance identity unavailable")

	data, err := msg.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"instance_id":null`)
}

func TestRunJoinsPublishFailure(t *testing.T) {
	pub := &recordingPublisher{err: notify.ErrDelivery}
	r := newTestRunner(t, identity.Static("i-abc123"), pub, func(context.Context) error {
		return errors.New("connection refused")
	}, nil)

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrJob)
	assert.ErrorIs(t, err, notify.ErrDelivery)
	assert.Len(t, pub.messages, 1, "publish is not retried")

	pub = &recordingPublisher{err: notify.ErrDelivery}
	r = newTestRunner(t, identity.Static("i-abc123"), pub, func(context.Context) error { return nil }, nil)
	err = r.Run(context.Background())
	assert.ErrorIs(t, err, notify.ErrDelivery)
	assert.NotErrorIs(t, err, ErrJob)
}

func TestRunPublishesAfterCancellation(t *testing.T) {
	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	r := newTestRunner(t, identity.Static("i-abc123"), pub, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}, nil)

	err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, pub.messages, 1)
	assert.NoError(t, pub.ctxErr)
	assert.Equal(t, outcome.StatusFailed, pub.messages[0].Status)
}

type fakeSecrets struct {
	body string
	err  error
	got  s3.Location
}

func (f *fakeSecrets) GetObject(_ context.Context, loc s3.Location) (io.ReadCloser, error) {
	f.got = loc
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestConfiguredBodyRequiresConnections(t *testing.T) {
	pub := &recordingPublisher{}
	body := ConfiguredBody(config.Job{SourceQuery: "select 1", DestTable: "t"}, nil, nil, zerolog.Nop())
	r := newTestRunner(t, identity.Static("i-abc123"), pub, body, nil)

	require.ErrorIs(t, r.Run(context.Background()), ErrJob)
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "DATA_SOURCE_CONN is required", pub.messages[0].ErrorText())
}

func TestConfiguredBodyRejectsUnverifiedBundle(t *testing.T) {
	body := ConfiguredBody(config.Job{
		BundleDir:       t.TempDir(),
		BundlePublicKey: "bm90LWEta2V5",
	}, nil, nil, zerolog.Nop())
	require.Error(t, body(context.Background()))
}

func TestConfiguredBodyReportsSetupError(t *testing.T) {
	t.Setenv("NOTIFICATION_TOPIC_ID", "etl.outcomes")
	t.Setenv("ETL_TRUNCATE_DEST", "yes")
	t.Setenv("IDENTITY_TIMEOUT", "10")

	job, jobErr := config.LoadJob(context.Background())
	require.Error(t, jobErr)

	pub := &recordingPublisher{}
	r, err := New(identity.Static("i-abc123"), pub, ConfiguredBody(job, jobErr, nil, zerolog.Nop()), zerolog.Nop(), Options{
		RunID:           "run-1",
		IdentityTimeout: job.IdentityTimeout,
		PublishTimeout:  job.PublishTimeout,
	})
	require.NoError(t, err)

	require.ErrorIs(t, r.Run(context.Background()), ErrJob)
	require.Len(t, pub.messages, 1, "configuration failures still publish one outcome")
	msg := pub.messages[0]
	assert.Equal(t, outcome.StatusFailed, msg.Status)
	assert.Equal(t, "i-abc123", msg.Instance())
	assert.Equal(t, jobErr.Error(), msg.ErrorText())
}

func TestConfiguredBodyReadsSecretsObject(t *testing.T) {
	secrets := &fakeSecrets{body: "DATA_SOURCE_CONN=postgres://src\nDATA_DEST_CONN=\n"}
	_, _, err := connections(context.Background(), config.Job{
		SecretsLocation: "s3://etl-secrets/dev/etl.env",
		DataDestConn:    "postgres://dst",
	}, secrets)
	require.Error(t, err, "an empty value in the secrets object overrides the environment")
	assert.Equal(t, "DATA_DEST_CONN is required", err.Error())
	assert.Equal(t, s3.Location{Bucket: "etl-secrets", Key: "dev/etl.env"}, secrets.got)

	secrets = &fakeSecrets{body: "DATA_SOURCE_CONN=postgres://src\nDATA_DEST_CONN=postgres://dst\n"}
	src, dst, err := connections(context.Background(), config.Job{
		SecretsLocation: "s3://etl-secrets/dev/etl.env",
		DataSourceConn:  "postgres://ignored",
	}, secrets)
	require.NoError(t, err)
	assert.Equal(t, "postgres://src", src)
	assert.Equal(t, "postgres://dst", dst)
}

func TestConfiguredBodySecretsFailures(t *testing.T) {
	job := config.Job{SecretsLocation: "s3://etl-secrets/dev/etl.env"}

	_, _, err := connections(context.Background(), job, nil)
	require.Error(t, err)

	_, _, err = connections(context.Background(), job, &fakeSecrets{err: errors.New("access denied")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")

	_, _, err = connections(context.Background(), config.Job{SecretsLocation: "s3://etl-secrets"}, &fakeSecrets{})
	require.Error(t, err)
}

func TestNewDefaultsTimeouts(t *testing.T) {
	r, err := New(identity.Static("i-1"), &recordingPublisher{}, func(context.Context) error { return nil }, zerolog.Nop(), Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultIdentityTimeout, r.opts.IdentityTimeout)
	assert.Equal(t, DefaultPublishTimeout, r.opts.PublishTimeout)
}

func TestNewValidates(t *testing.T) {
	body := func(context.Context) error { return nil }
	_, err := New(nil, &recordingPublisher{}, body, zerolog.Nop(), Options{})
	require.Error(t, err)
	_, err = New(identity.Static("i-1"), nil, body, zerolog.Nop(), Options{})
	require.Error(t, err)
	_, err = New(identity.Static("i-1"), &recordingPublisher{}, nil, zerolog.Nop(), Options{})
	require.Error(t, err)
}
