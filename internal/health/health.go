// Package health отдаёт состояние storefront для probes: хранилище сессий,
// доступность каталога, Kafka и backlog outbox.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const (
	// DefaultCheckTimeout ограничивает один прогон всех проверок.
	DefaultCheckTimeout = 2 * time.Second
	// DefaultCacheTTL: время жизни результата прогона.
	DefaultCacheTTL = time.Second
)

// Check: результат проверки одного компонента.
type Check struct {
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	Message    string        `json:"message,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`
}

// Report: сводка одного прогона.
type Report struct {
	Status    Status           `json:"status"`
	CheckedAt time.Time        `json:"checked_at"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Failed возвращает отсортированные имена unhealthy-проверок.
func (r Report) Failed() []string {
	var failed []string
	for name, check := range r.Checks {
		if check.Status == StatusUnhealthy {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

// Response: тело /healthz.
type Response struct {
	Report
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type Checker interface {
	Check(ctx context.Context) Check
}

// Handler хранит зарегистрированные проверки и обслуживает probes.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker

	version  string
	started  time.Time
	timeout  time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	group  singleflight.Group
	cached Report
}

func NewHandler(version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		version:  version,
		started:  time.Now(),
		timeout:  DefaultCheckTimeout,
		cacheTTL: DefaultCacheTTL,
		now:      time.Now,
	}
}

// RegisterChecker добавляет или заменяет проверку и сбрасывает кэш.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
	h.cached = Report{}
}

// Run возвращает свежий или закэшированный Report. Одновременные вызовы
// разделяют один прогон.
func (h *Handler) Run(ctx context.Context) Report {
	h.mu.RLock()
	cached := h.cached
	h.mu.RUnlock()
	if !cached.CheckedAt.IsZero() && h.now().Sub(cached.CheckedAt) < h.cacheTTL {
		return cached
	}

	v, _, _ := h.group.Do("run", func() (any, error) {
		report := h.runChecks(context.WithoutCancel(ctx))
		h.mu.Lock()
		h.cached = report
		h.mu.Unlock()
		return report, nil
	})
	return v.(Report)
}

func (h *Handler) runChecks(ctx context.Context) Report {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	checkers := make([]Checker, 0, len(h.checkers))
	for name, checker := range h.checkers {
		names = append(names, name)
		checkers = append(checkers, checker)
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var g errgroup.Group
	for i, checker := range checkers {
		g.Go(func() error {
			results[i] = checker.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:    StatusHealthy,
		CheckedAt: h.now(),
		Checks:    make(map[string]Check, len(results)),
	}
	for i, check := range results {
		report.Checks[names[i]] = check
		switch check.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// ServeHTTP отдаёт полный Report; 503 только при unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Run(r.Context())

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{
		Report:        report,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler отвечает 503, пока хотя бы одна проверка unhealthy.
// Degraded (открытый breaker каталога, отставание outbox) готовность не снимает.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	report := h.Run(r.Context())
	if report.Status == StatusUnhealthy {
		w.Header().Set("X-Failed-Checks", strings.Join(report.Failed(), ","))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// FuncChecker превращает функцию в Checker; ошибка даёт статус onError.
type FuncChecker struct {
	name    string
	fn      func(ctx context.Context) error
	onError Status
}

// NewSimpleChecker: ошибка fn делает сервис unhealthy.
func NewSimpleChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn, onError: StatusUnhealthy}
}

// NewSoftChecker: ошибка fn делает сервис degraded.
func NewSoftChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn, onError: StatusDegraded}
}

func (c *FuncChecker) Check(ctx context.Context) Check {
	started := time.Now()
	err := c.fn(ctx)
	elapsed := time.Since(started)

	check := Check{Name: c.name, Status: StatusHealthy, Duration: elapsed, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		check.Status = c.onError
		check.Message = err.Error()
	}
	return check
}
