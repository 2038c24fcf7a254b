package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotetl/pkg/bus"
	"spotetl/pkg/compute"
	"spotetl/pkg/lifecycle"
	"spotetl/pkg/metrics"
	"spotetl/services/ledger"
)

type fakeInvoker struct {
	mu     sync.Mutex
	calls  int
	handle compute.Handle
	err    error
}

func (f *fakeInvoker) Invoke(ctx context.Context) (compute.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.handle, f.err
}

type fakeLister struct {
	runs  []ledger.Run
	err   error
	limit int
}

func (f *fakeLister) List(_ context.Context, limit int) ([]ledger.Run, error) {
	f.limit = limit
	return f.runs, f.err
}

func newScheduler(t *testing.T, inv Invoker, runs RunLister) (*Scheduler, *metrics.Metrics) {
	t.Helper()
	m := metrics.Discard()
	s, err := New(inv, runs, m, zerolog.Nop(), time.Minute)
	require.NoError(t, err)
	return s, m
}

func TestTickCountsResults(t *testing.T) {
	inv := &fakeInvoker{handle: compute.Handle{RequestID: "sir-1"}}
	s, m := newScheduler(t, inv, nil)

	handle, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sir-1", handle.RequestID)

	inv.err = fmt.Errorf("%w: capacity", compute.ErrProvisioning)
	_, err = s.Tick(context.Background())
	require.ErrorIs(t, err, compute.ErrProvisioning)

	assert.Equal(t, 2, inv.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerTicks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerTicks.WithLabelValues("failed")))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s, _ := newScheduler(t, &fakeInvoker{}, nil)
	require.Error(t, s.Start("not a schedule"))
	assert.False(t, s.Ready())
}

func TestStartAndStop(t *testing.T) {
	s, _ := newScheduler(t, &fakeInvoker{}, nil)
	require.NoError(t, s.Start("@every 1h"))
	assert.True(t, s.Ready())
	require.Error(t, s.Start("@every 1h"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.False(t, s.Ready())
	s.Stop(ctx)
}

func TestNewRequiresInvoker(t *testing.T) {
	_, err := New(nil, nil, nil, zerolog.Nop(), 0)
	require.Error(t, err)
}

func TestHealthAndReadiness(t *testing.T) {
	s, _ := newScheduler(t, &fakeInvoker{}, nil)
	h := s.Routes(nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, s.Start("@every 1h"))
	defer s.Stop(context.Background())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	s, err := New(&fakeInvoker{}, nil, m, zerolog.Nop(), 0)
	require.NoError(t, err)
	_, err = s.Tick(context.Background())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Routes(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `spotetl_scheduler_ticks_total{result="ok"} 1`)
}

func TestTriggerEndpoint(t *testing.T) {
	id := "i-0abc"
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "accepted", status: http.StatusAccepted},
		{name: "provisioning failure", err: fmt.Errorf("%w: no capacity", compute.ErrProvisioning), status: http.StatusBadGateway},
		{name: "other failure", err: errors.New("render bootstrap"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &fakeInvoker{handle: compute.Handle{RequestID: "sir-9", InstanceID: &id}, err: tt.err}
			s, _ := newScheduler(t, inv, nil)

			rec := httptest.NewRecorder()
			s.Routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/trigger", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, 1, inv.calls)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			if tt.err != nil {
				assert.Contains(t, body["error"], tt.err.Error())
				return
			}
			assert.Equal(t, "sir-9", body["request_id"])
			assert.Equal(t, id, body["instance_id"])
		})
	}
}

func TestListRunsEndpoint(t *testing.T) {
	runs := &fakeLister{runs: []ledger.Run{{Environment: "dev", State: lifecycle.Running}}}
	s, _ := newScheduler(t, &fakeInvoker{}, runs)
	h := s.Routes(nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.DefaultListLimit, runs.limit)
	assert.Contains(t, rec.Body.String(), `"dev"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, runs.limit)

	for _, bad := range []string{"0", "-1", "abc", "501"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit="+bad, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	runs.err = errors.New("db down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListRunsWithoutLedger(t *testing.T) {
	s, _ := newScheduler(t, &fakeInvoker{}, nil)
	rec := httptest.NewRecorder()
	s.Routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeSubscriber struct {
	durables []string
	failOn   string
	closed   int
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (f *fakeSubscriber) Subscribe(_ context.Context, subj, durable string, fn bus.Handler) (io.Closer, error) {
	if durable == f.failOn {
		return nil, errors.New("consumer exists")
	}
	f.durables = append(f.durables, durable)
	return closerFunc(func() error { f.closed++; return nil }), nil
}

func TestSubscribe(t *testing.T) {
	noop := func(context.Context, []byte) error { return nil }
	sub := &fakeSubscriber{}

	closeAll, err := Subscribe(context.Background(), sub, "etl.outcomes",
		Consumer{Durable: "cleanup", Handle: noop},
		Consumer{Durable: "ledger", Handle: noop},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"cleanup", "ledger"}, sub.durables)
	require.NoError(t, closeAll())
	assert.Equal(t, 2, sub.closed)
}

func TestSubscribeClosesOnFailure(t *testing.T) {
	noop := func(context.Context, []byte) error { return nil }
	sub := &fakeSubscriber{failOn: "ledger"}

	_, err := Subscribe(context.Background(), sub, "etl.outcomes",
		Consumer{Durable: "cleanup", Handle: noop},
		Consumer{Durable: "ledger", Handle: noop},
	)
	require.Error(t, err)
	assert.Equal(t, 1, sub.closed)

	_, err = Subscribe(context.Background(), sub, "etl.outcomes", Consumer{Durable: "x"})
	require.Error(t, err)
}
