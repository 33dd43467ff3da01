package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// scenarioStep — шаг, под которым учитывается сценарий целиком.
const scenarioStep = "scenario"

const (
	metricCalls   = "loadtest_calls_total"
	metricLatency = "loadtest_latency_ms"
)

type latencySummary struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type stepReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time             `json:"started_at"`
	DurationSeconds   float64               `json:"duration_seconds"`
	TotalScenarios    int64                 `json:"total_scenarios"`
	SuccessScenarios  int64                 `json:"success_scenarios"`
	FailedScenarios   int64                 `json:"failed_scenarios"`
	ErrorRate         float64               `json:"error_rate"`
	RPS               float64               `json:"rps"`
	ScenarioLatencyMs latencySummary        `json:"scenario_latency_ms"`
	Steps             map[string]stepReport `json:"steps"`
}

// collector пишет вызовы в собственный реестр Prometheus прогона.
type collector struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	latency  *prometheus.SummaryVec
}

func newCollector() *collector {
	c := &collector{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricCalls,
			Help: "Storefront API calls made by the load test.",
		}, []string{"step", "status", "result"}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metricLatency,
			Help:       "Step latency in milliseconds.",
			Objectives: map[float64]float64{0.5: 0.01, 0.95: 0.005, 0.99: 0.001},
			MaxAge:     24 * time.Hour,
		}, []string{"step"}),
	}
	c.registry.MustRegister(c.calls, c.latency)
	return c
}

// record учитывает один вызов. status == 0 означает транспортную ошибку.
func (c *collector) record(step string, latency time.Duration, status int, ok bool) {
	result := "success"
	if !ok {
		result = "failed"
	}
	c.calls.WithLabelValues(step, statusLabel(status), result).Inc()
	c.latency.WithLabelValues(step).Observe(float64(latency.Microseconds()) / 1000.0)
}

// steps собирает отчёты по шагам из реестра.
func (c *collector) steps() map[string]stepReport {
	families, err := c.registry.Gather()
	if err != nil {
		return map[string]stepReport{}
	}

	out := make(map[string]stepReport)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			labels := labelMap(m)
			step := out[labels["step"]]
			switch family.GetName() {
			case metricCalls:
				n := int64(m.GetCounter().GetValue())
				step.Calls += n
				if labels["result"] == "success" {
					step.Success += n
				} else {
					step.Failed += n
				}
				if step.Statuses == nil {
					step.Statuses = make(map[string]int64)
				}
				step.Statuses[labels["status"]] += n
			case metricLatency:
				step.LatencyMs = summarize(m.GetSummary())
			}
			out[labels["step"]] = step
		}
	}
	for name, step := range out {
		step.ErrorRate = ratio(step.Failed, step.Calls)
		out[name] = step
	}
	return out
}

func (c *collector) snapshot(step string) (stepReport, bool) {
	s, ok := c.steps()[step]
	return s, ok
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Steps:           c.steps(),
	}
	if scenario, ok := result.Steps[scenarioStep]; ok {
		result.TotalScenarios = scenario.Calls
		result.SuccessScenarios = scenario.Success
		result.FailedScenarios = scenario.Failed
		result.ErrorRate = scenario.ErrorRate
		result.ScenarioLatencyMs = scenario.LatencyMs
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}
	return result
}

func labelMap(m *dto.Metric) map[string]string {
	labels := make(map[string]string, len(m.GetLabel()))
	for _, pair := range m.GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	return labels
}

func summarize(s *dto.Summary) latencySummary {
	if s.GetSampleCount() == 0 {
		return latencySummary{}
	}
	out := latencySummary{Avg: s.GetSampleSum() / float64(s.GetSampleCount())}
	for _, q := range s.GetQuantile() {
		switch q.GetQuantile() {
		case 0.5:
			out.P50 = q.GetValue()
		case 0.95:
			out.P95 = q.GetValue()
		case 0.99:
			out.P99 = q.GetValue()
		}
	}
	return out
}

func statusLabel(status int) string {
	if status == 0 {
		return "transport_error"
	}
	return strconv.Itoa(status)
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- путь задан флагом -output.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(out io.Writer, result report, cfg config) {
	lat := result.ScenarioLatencyMs
	_, _ = fmt.Fprintf(out, "Storefront load test: mode=%s run=%s\n", cfg.mode, runTarget(cfg))
	_, _ = fmt.Fprintf(out, "scenarios total=%d success=%d failed=%d error_rate=%.4f rps=%.2f duration=%.2fs\n",
		result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios,
		result.ErrorRate, result.RPS, result.DurationSeconds)
	_, _ = fmt.Fprintf(out, "scenario latency ms avg=%.2f p50=%.2f p95=%.2f p99=%.2f\n", lat.Avg, lat.P50, lat.P95, lat.P99)

	names := make([]string, 0, len(result.Steps))
	for name := range result.Steps {
		if name != scenarioStep {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		step := result.Steps[name]
		_, _ = fmt.Fprintf(out, "  %-18s calls=%d failed=%d p95=%.2fms\n", name, step.Calls, step.Failed, step.LatencyMs.P95)
	}
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
