package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 自动化引擎专用的指标注册表
var Registry = prometheus.NewRegistry()

var (
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servify",
		Subsystem: "automation",
		Name:      "executions_total",
		Help:      "Workflow executions by terminal status.",
	}, []string{"status"})

	stepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servify",
		Subsystem: "automation",
		Name:      "steps_total",
		Help:      "Execution step log entries by phase.",
	}, []string{"phase"})

	actionFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servify",
		Subsystem: "automation",
		Name:      "action_failures_total",
		Help:      "Failed actions by action type.",
	}, []string{"action"})

	webhookDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "servify",
		Subsystem: "automation",
		Name:      "webhook_duration_seconds",
		Help:      "Outbound webhook latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"outcome"})

	rateLimitDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servify",
		Subsystem: "http",
		Name:      "rate_limit_drops_total",
		Help:      "Requests rejected with 429 by limiter prefix.",
	}, []string{"prefix"})
)

func init() {
	Registry.MustRegister(
		executionsTotal,
		stepsTotal,
		actionFailuresTotal,
		webhookDuration,
		rateLimitDrops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler 暴露 Registry 的 /metrics 处理器
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncExecution counts a finalized execution ("completed" or "failed").
func IncExecution(status string) {
	executionsTotal.WithLabelValues(status).Inc()
}

func IncStep(phase string) {
	stepsTotal.WithLabelValues(phase).Inc()
}

func IncActionFailure(actionType string) {
	if actionType == "" {
		actionType = "unknown"
	}
	actionFailuresTotal.WithLabelValues(actionType).Inc()
}

// ObserveWebhook records one outbound POST; ok is false for transport errors and non-2xx.
func ObserveWebhook(d time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	webhookDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// rateLimitStats holds counters for rate limit drops (HTTP 429).
// Kept alongside the prometheus counter so health output can read a snapshot.
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
	rateLimitDrops.WithLabelValues(prefix).Inc()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
