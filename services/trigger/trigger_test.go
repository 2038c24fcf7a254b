package trigger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotetl/pkg/compute"
	"spotetl/pkg/config"
	"spotetl/pkg/metrics"
	"spotetl/pkg/s3"
)

type fakeProvisioner struct {
	specs  []compute.Spec
	handle compute.Handle
	err    error
	ctxErr bool
}

func (f *fakeProvisioner) Provision(ctx context.Context, spec compute.Spec) (compute.Handle, error) {
	f.specs = append(f.specs, spec)
	if _, ok := ctx.Deadline(); !ok {
		f.ctxErr = true
	}
	return f.handle, f.err
}

type fakePresigner struct {
	loc s3.Location
	ttl time.Duration
}

func (f *fakePresigner) PresignGet(_ context.Context, loc s3.Location, ttl time.Duration) (string, error) {
	f.loc, f.ttl = loc, ttl
	return "https://dev-etl-bucket.s3.amazonaws.com/etl.tar.zst?X-Amz-Signature=sig", nil
}

type recorded struct {
	runID  uuid.UUID
	env    string
	handle compute.Handle
	tags   map[string]string
	err    error
}

type fakeRecorder struct {
	calls []recorded
	err   error
}

func (f *fakeRecorder) Provision(_ context.Context, runID uuid.UUID, env string, handle compute.Handle, tags map[string]string, provErr error) error {
	f.calls = append(f.calls, recorded{runID, env, handle, tags, provErr})
	return f.err
}

func testConfig() config.Trigger {
	return config.Trigger{
		Environment:       "dev",
		Subnet:            "subnet-0a1b2c",
		SecurityPolicyID:  "sg-0123",
		CapabilityProfile: "dev-etl-instance-profile",
		CodeLocation:      "s3://dev-etl-bucket/etl.tar.zst",
		ImageID:           "ami-0123456789",
		InstanceType:      "t3.micro",
		Market:            config.MarketSpot,
		Project:           "reverse-etl",
		Timeout:           5 * time.Minute,
		DataSourceConn:    "postgres://redshift:5439/warehouse",
		DataDestConn:      "postgres://app:5432/app",
		Notification: config.Notification{
			TopicID: "arn:aws:sns:us-east-1:123456789012:dev-etl-completion",
			Backend: config.BackendSNS,
		},
		AWS: config.AWS{Region: "us-east-1"},
	}
}

func fixedRunID() uuid.UUID {
	return uuid.MustParse("6f1c2a0e-6b7e-4d7c-9d55-0d6c1f2f3a10")
}

func newService(t *testing.T, prov Provisioner, opts ...Option) *Service {
	t.Helper()
	svc, err := New(testConfig(), prov, zerolog.Nop(), opts...)
	require.NoError(t, err)
	svc.newRunID = fixedRunID
	return svc
}

func TestInvokeReturnsRequestID(t *testing.T) {
	prov := &fakeProvisioner{handle: compute.Handle{RequestID: "sir-8x2k"}}
	rec := &fakeRecorder{}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	svc := newService(t, prov, WithRecorder(rec), WithMetrics(m))

	handle, err := svc.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sir-8x2k", handle.RequestID)
	assert.Nil(t, handle.InstanceID)

	require.Len(t, prov.specs, 1, "exactly one provisioning request")
	spec := prov.specs[0]
	assert.Equal(t, "ami-0123456789", spec.ImageID)
	assert.Equal(t, "t3.micro", spec.InstanceType)
	assert.Equal(t, "subnet-0a1b2c", spec.Subnet)
	assert.Equal(t, "sg-0123", spec.SecurityGroupID)
	assert.Equal(t, "dev-etl-instance-profile", spec.CapabilityProfile)
	assert.Equal(t, config.MarketSpot, spec.Market)
	assert.Equal(t, map[string]string{
		"Name":        "dev-etl-runner",
		"Environment": "dev",
		"Project":     "reverse-etl",
		"RunID":       fixedRunID().String(),
	}, spec.Tags)
	assert.False(t, prov.ctxErr, "invocation must be bounded by a deadline")

	assert.Contains(t, spec.UserData, "arn:aws:sns:us-east-1:123456789012:dev-etl-completion")
	assert.Contains(t, spec.UserData, "s3://dev-etl-bucket/etl.tar.zst")
	assert.Contains(t, spec.UserData, fixedRunID().String())
	assert.Contains(t, spec.UserData, "postgres://redshift:5439/warehouse")
	assert.Contains(t, spec.UserData, "ENVIRONMENT_LABEL=")

	require.Len(t, rec.calls, 1)
	assert.Equal(t, fixedRunID(), rec.calls[0].runID)
	assert.Equal(t, "dev", rec.calls[0].env)
	assert.Equal(t, "sir-8x2k", rec.calls[0].handle.RequestID)
	assert.NoError(t, rec.calls[0].err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProvisionRequests.WithLabelValues("requested")))
}

func TestInvokePropagatesProvisioningFailure(t *testing.T) {
	cause := fmt.Errorf("%w: request spot instance: InsufficientInstanceCapacity", compute.ErrProvisioning)
	prov := &fakeProvisioner{err: cause}
	rec := &fakeRecorder{}
	m := metrics.Discard()

	svc := newService(t, prov, WithRecorder(rec), WithMetrics(m))

	_, err := svc.Invoke(context.Background())
	require.ErrorIs(t, err, compute.ErrProvisioning)
	assert.Len(t, prov.specs, 1, "no retry")
	require.Len(t, rec.calls, 1)
	assert.ErrorIs(t, rec.calls[0].err, compute.ErrProvisioning)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProvisionRequests.WithLabelValues("failed")))
}

func TestInvokeIgnoresRecorderFailure(t *testing.T) {
	prov := &fakeProvisioner{handle: compute.Handle{RequestID: "sir-1"}}
	svc := newService(t, prov, WithRecorder(&fakeRecorder{err: errors.New("db down")}))

	handle, err := svc.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sir-1", handle.RequestID)
}

func TestInvokeUsesPresignedBundle(t *testing.T) {
	cfg := testConfig()
	cfg.BundlePresignTTL = 15 * time.Minute
	prov := &fakeProvisioner{handle: compute.Handle{RequestID: "sir-1"}}
	pre := &fakePresigner{}

	svc, err := New(cfg, prov, zerolog.Nop(), WithPresigner(pre))
	require.NoError(t, err)

	_, err = svc.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s3.Location{Bucket: "dev-etl-bucket", Key: "etl.tar.zst"}, pre.loc)
	assert.Equal(t, 15*time.Minute, pre.ttl)
	assert.Contains(t, prov.specs[0].UserData, "curl -fsSL")
	assert.NotContains(t, prov.specs[0].UserData, "aws s3 cp")
}

func TestNewValidates(t *testing.T) {
	_, err := New(testConfig(), nil, zerolog.Nop())
	require.Error(t, err)

	cfg := testConfig()
	cfg.Market = "reserved"
	_, err = New(cfg, &fakeProvisioner{}, zerolog.Nop())
	require.Error(t, err)

	cfg = testConfig()
	cfg.CodeLocation = "s3://"
	_, err = New(cfg, &fakeProvisioner{}, zerolog.Nop())
	require.Error(t, err)
}

func TestHandleScheduledEvent(t *testing.T) {
	id := "i-0abc123"
	prov := &fakeProvisioner{handle: compute.Handle{RequestID: "r-123", InstanceID: &id}}
	svc := newService(t, prov)

	resp, err := svc.HandleScheduledEvent(context.Background(), events.EventBridgeEvent{ID: "evt-1", Source: "aws.events"})
	require.NoError(t, err)
	assert.Equal(t, "r-123", resp.RequestID)
	assert.Equal(t, &id, resp.InstanceID)

	prov.err = compute.ErrProvisioning
	_, err = svc.HandleScheduledEvent(context.Background(), events.EventBridgeEvent{})
	require.ErrorIs(t, err, compute.ErrProvisioning)
}

func TestHandleScheduledEventFlushes(t *testing.T) {
	flushes := 0
	flush := func(ctx context.Context) error {
		flushes++
		return ctx.Err()
	}
	prov := &fakeProvisioner{handle: compute.Handle{RequestID: "r-1"}}
	svc := newService(t, prov, WithFlush(flush))

	_, err := svc.HandleScheduledEvent(context.Background(), events.EventBridgeEvent{})
	require.NoError(t, err)
	assert.Equal(t, 1, flushes)

	prov.err = compute.ErrProvisioning
	_, err = svc.HandleScheduledEvent(context.Background(), events.EventBridgeEvent{})
	require.Error(t, err)
	assert.Equal(t, 2, flushes, "failed invocations flush too")
}

type describingProvisioner struct {
	fakeProvisioner
	describes   int
	fulfillAt   int
	describeErr error
}

func (d *describingProvisioner) Describe(_ context.Context, requestID string) (compute.Handle, error) {
	d.describes++
	if d.describeErr != nil {
		return compute.Handle{}, d.describeErr
	}
	h := compute.Handle{RequestID: requestID}
	if d.fulfillAt > 0 && d.describes >= d.fulfillAt {
		id := "i-0fulfilled"
		h.InstanceID = &id
	}
	return h, nil
}

func newWaitingService(t *testing.T, prov Provisioner, wait time.Duration, opts ...Option) *Service {
	t.Helper()
	cfg := testConfig()
	cfg.FulfillmentWait = wait
	svc, err := New(cfg, prov, zerolog.Nop(), opts...)
	require.NoError(t, err)
	svc.newRunID = fixedRunID
	svc.pollEvery = time.Millisecond
	return svc
}

func TestInvokeWaitsForSpotFulfillment(t *testing.T) {
	prov := &describingProvisioner{fakeProvisioner: fakeProvisioner{handle: compute.Handle{RequestID: "sir-8x2k"}}, fulfillAt: 3}
	rec := &fakeRecorder{}
	svc := newWaitingService(t, prov, time.Second, WithRecorder(rec))

	handle, err := svc.Invoke(context.Background())
	require.NoError(t, err)
	require.NotNil(t, handle.InstanceID)
	assert.Equal(t, "i-0fulfilled", *handle.InstanceID)
	assert.Equal(t, 3, prov.describes)
	assert.Len(t, prov.specs, 1, "describing never re-provisions")

	require.Len(t, rec.calls, 1)
	require.NotNil(t, rec.calls[0].handle.InstanceID)
	assert.Equal(t, "i-0fulfilled", *rec.calls[0].handle.InstanceID)
}

func TestInvokeGivesUpOnUnfulfilledSpotRequest(t *testing.T) {
	prov := &describingProvisioner{fakeProvisioner: fakeProvisioner{handle: compute.Handle{RequestID: "sir-8x2k"}}}
	svc := newWaitingService(t, prov, 20*time.Millisecond)

	handle, err := svc.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sir-8x2k", handle.RequestID)
	assert.Nil(t, handle.InstanceID)
	assert.Positive(t, prov.describes)

	prov = &describingProvisioner{
		fakeProvisioner: fakeProvisioner{handle: compute.Handle{RequestID: "sir-8x2k"}},
		describeErr:     errors.New("throttled"),
	}
	svc = newWaitingService(t, prov, time.Second)
	handle, err = svc.Invoke(context.Background())
	require.NoError(t, err, "describe failures are not provisioning failures")
	assert.Nil(t, handle.InstanceID)
	assert.Equal(t, 1, prov.describes)
}

func TestInvokeSkipsWaitWhenInstanceKnown(t *testing.T) {
	id := "i-0abc123"
	prov := &describingProvisioner{fakeProvisioner: fakeProvisioner{handle: compute.Handle{RequestID: "r-1", InstanceID: &id}}}
	svc := newWaitingService(t, prov, time.Second)

	_, err := svc.Invoke(context.Background())
	require.NoError(t, err)
	assert.Zero(t, prov.describes)
}

func TestInvokeRendersJobSettings(t *testing.T) {
	cfg := testConfig()
	cfg.DataSourceConn, cfg.DataDestConn = "", ""
	cfg.SecretsLocation = "s3://dev-etl-bucket/secrets/etl.env"
	cfg.TruncateDest = true
	prov := &fakeProvisioner{handle: compute.Handle{RequestID: "sir-1"}}

	svc, err := New(cfg, prov, zerolog.Nop())
	require.NoError(t, err)
	_, err = svc.Invoke(context.Background())
	require.NoError(t, err)

	userData := prov.specs[0].UserData
	assert.Contains(t, userData, "ETL_SECRETS_LOCATION=")
	assert.Contains(t, userData, "s3://dev-etl-bucket/secrets/etl.env")
	assert.Contains(t, userData, "ETL_TRUNCATE_DEST=")
	assert.NotContains(t, userData, "DATA_SOURCE_CONN")
	assert.NotContains(t, userData, "postgres://")

	cfg.SecretsLocation = "s3://dev-etl-bucket"
	_, err = New(cfg, prov, zerolog.Nop())
	require.Error(t, err, "secrets location must name an object")
}
