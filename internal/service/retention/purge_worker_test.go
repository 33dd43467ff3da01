package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

var _ domain.IdlePurger = (*stubPurger)(nil)

func TestPurgeWorker_PurgeOncePassesMaxAge(t *testing.T) {
	t.Parallel()

	purger := &stubPurger{results: []int64{3}}
	worker := NewPurgeWorker(purger, WithMaxAge(48*time.Hour))

	deleted, err := worker.PurgeOnce(context.Background())
	if err != nil {
		t.Fatalf("PurgeOnce failed: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("unexpected deleted: got=%d want=3", deleted)
	}
	if got := purger.lastMaxAge(); got != 48*time.Hour {
		t.Fatalf("unexpected max age: got=%s want=48h", got)
	}
}

func TestPurgeWorker_Defaults(t *testing.T) {
	t.Parallel()

	worker := NewPurgeWorker(&stubPurger{}, WithInterval(-time.Second), WithMaxAge(0))
	if worker.interval != DefaultInterval {
		t.Fatalf("unexpected interval: %s", worker.interval)
	}
	if worker.maxAge != DefaultMaxAge {
		t.Fatalf("unexpected max age: %s", worker.maxAge)
	}
	if worker.target != DefaultTarget {
		t.Fatalf("unexpected target: %s", worker.target)
	}
}

func TestPurgeWorker_TargetLabelsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	worker := NewPurgeWorker(&stubPurger{results: []int64{7}},
		WithTarget("outbox"),
		WithMetrics(metrics.NewStorefrontMetricsWithRegisterer(reg)),
	)
	worker.purge(context.Background())

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "storefront_retention_last_deleted" {
			continue
		}
		for _, metric := range family.GetMetric() {
			if metric.GetLabel()[0].GetValue() == "outbox" && metric.GetGauge().GetValue() == 7 {
				return
			}
		}
	}
	t.Fatal("expected storefront_retention_last_deleted{target=\"outbox\"} = 7")
}

func TestPurgeWorker_PurgeOnceError(t *testing.T) {
	t.Parallel()

	purger := &stubPurger{errs: []error{errors.New("boom")}}
	worker := NewPurgeWorker(purger, WithMetrics(metrics.NewStorefrontMetricsWithRegisterer(prometheus.NewRegistry())))

	if _, err := worker.PurgeOnce(context.Background()); err == nil {
		t.Fatal("expected PurgeOnce error")
	}
	// ошибка прогона только логируется
	worker.purge(context.Background())
}

func TestPurgeWorker_PurgeOnceCancelled(t *testing.T) {
	t.Parallel()

	purger := &stubPurger{}
	worker := NewPurgeWorker(purger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := worker.PurgeOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls := purger.calls(); calls != 0 {
		t.Fatalf("purger must not be called after cancel, got %d calls", calls)
	}
}

func TestPurgeWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	purger := &stubPurger{}
	worker := NewPurgeWorker(purger, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	if calls := purger.calls(); calls < 2 {
		t.Fatalf("expected initial and periodic purge, got %d calls", calls)
	}
}

func TestPurgeWorker_RunWithoutPurger(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewPurgeWorker(nil).Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without purger must return immediately")
	}
}

type stubPurger struct {
	mu sync.Mutex

	results   []int64
	errs      []error
	callCount int
	maxAge    time.Duration
}

func (s *stubPurger) PurgeIdle(_ context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.maxAge = maxAge

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(s.results) == 0 {
		return 0, nil
	}
	result := s.results[0]
	s.results = s.results[1:]
	return result, nil
}

func (s *stubPurger) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubPurger) lastMaxAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxAge
}
