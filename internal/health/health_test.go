package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func serve(t *testing.T, handler http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthz_Statuses(t *testing.T) {
	tests := []struct {
		name     string
		storage  error
		catalog  error
		wantCode int
		want     Status
	}{
		{name: "all healthy", wantCode: http.StatusOK, want: StatusHealthy},
		{name: "catalog breaker open", catalog: errors.New("circuit breaker open"), wantCode: http.StatusOK, want: StatusDegraded},
		{name: "storage down", storage: errors.New("connection refused"), catalog: errors.New("circuit breaker open"), wantCode: http.StatusServiceUnavailable, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler("v1.2.3")
			handler.RegisterChecker("storage", NewSimpleChecker("storage", func(context.Context) error { return tt.storage }))
			handler.RegisterChecker("catalog", NewSoftChecker("catalog", func(context.Context) error { return tt.catalog }))

			w := serve(t, handler.ServeHTTP, "/healthz")
			require.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var response Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.want, response.Status)
			assert.Equal(t, "v1.2.3", response.Version)
			assert.Len(t, response.Checks, 2)
			assert.False(t, response.CheckedAt.IsZero())
			if tt.catalog != nil {
				assert.Equal(t, tt.catalog.Error(), response.Checks["catalog"].Message)
			}
		})
	}
}

func TestReadyz(t *testing.T) {
	handler := NewHandler("v1")
	handler.RegisterChecker("storage", NewSimpleChecker("storage", ok))
	handler.RegisterChecker("outbox", NewSoftChecker("outbox", func(context.Context) error {
		return errors.New("12 cart events pending")
	}))

	w := serve(t, handler.ReadinessHandler, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code, "degraded service stays ready")
	assert.Equal(t, "ready", w.Body.String())

	handler.RegisterChecker("storage", NewSimpleChecker("storage", func(context.Context) error { return errors.New("down") }))
	handler.RegisterChecker("kafka", NewSimpleChecker("kafka", func(context.Context) error { return errors.New("no brokers") }))

	w = serve(t, handler.ReadinessHandler, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not ready", w.Body.String())
	assert.Equal(t, "kafka,storage", w.Header().Get("X-Failed-Checks"))
}

func TestLivez(t *testing.T) {
	w := serve(t, LivenessHandler, "/livez")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestRun_CachesReport(t *testing.T) {
	var calls atomic.Int32
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	handler := NewHandler("v1")
	handler.now = func() time.Time { return now }
	handler.RegisterChecker("catalog", NewSoftChecker("catalog", func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	handler.Run(context.Background())
	handler.Run(context.Background())
	assert.EqualValues(t, 1, calls.Load(), "second run within TTL is served from cache")

	now = now.Add(DefaultCacheTTL)
	handler.Run(context.Background())
	assert.EqualValues(t, 2, calls.Load())
}

func TestRun_ConcurrentProbesShareOneRun(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	handler := NewHandler("v1")
	handler.cacheTTL = 0
	handler.RegisterChecker("storage", NewSimpleChecker("storage", func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, StatusHealthy, handler.Run(context.Background()).Status)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
}

func TestRun_ChecksGetDeadlineEvenAfterCancel(t *testing.T) {
	handler := NewHandler("v1")
	handler.RegisterChecker("storage", NewSimpleChecker("storage", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("missing deadline")
		}
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := handler.Run(ctx)
	assert.Equal(t, StatusHealthy, report.Status, "probe cancellation must not fail shared run: %+v", report.Checks)
}

func TestFuncChecker(t *testing.T) {
	check := NewSimpleChecker("storage", func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}).Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.GreaterOrEqual(t, check.Duration, 10*time.Millisecond)
	assert.Equal(t, check.Duration.Milliseconds(), check.DurationMs)

	check = NewSoftChecker("kafka", func(context.Context) error { return errors.New("lagging") }).Check(context.Background())
	assert.Equal(t, Check{Name: "kafka", Status: StatusDegraded, Message: "lagging", Duration: check.Duration, DurationMs: check.DurationMs}, check)
}

func TestReportFailed(t *testing.T) {
	report := Report{Checks: map[string]Check{
		"storage": {Status: StatusUnhealthy},
		"catalog": {Status: StatusDegraded},
		"kafka":   {Status: StatusUnhealthy},
	}}
	assert.Equal(t, []string{"kafka", "storage"}, report.Failed())
}
