// Package monitor 暴露路由与派发的 Prometheus 指标。
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "router"

// Metrics 聚合路由指标。所有方法对 nil 接收者安全。
type Metrics struct {
	registry *prometheus.Registry

	tasks            *prometheus.CounterVec
	firmOutcomes     *prometheus.CounterVec
	policyRejections *prometheus.CounterVec
	dispatchAttempts *prometheus.CounterVec
	batchDuration    prometheus.Histogram
	batchSize        prometheus.Histogram
}

// NewMetrics 创建独立注册表上的指标集合。
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Execution tasks completed, by terminal status.",
		}, []string{"status"}),
		firmOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firm_outcomes_total",
			Help:      "Per-firm connector outcomes.",
		}, []string{"firm", "status"}),
		policyRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_rejections_total",
			Help:      "Policy rejections by stage and rule.",
		}, []string{"stage", "rule"}),
		dispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Outbound order attempts by firm and result status.",
		}, []string{"firm", "status"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent processing one claimed batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of tasks claimed per batch.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
	}

	reg.MustRegister(
		m.tasks,
		m.firmOutcomes,
		m.policyRejections,
		m.dispatchAttempts,
		m.batchDuration,
		m.batchSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskCompleted(status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(status).Inc()
}

func (m *Metrics) FirmOutcome(firm, status string) {
	if m == nil {
		return
	}
	m.firmOutcomes.WithLabelValues(firm, status).Inc()
}

func (m *Metrics) PolicyRejection(stage, rule string) {
	if m == nil {
		return
	}
	m.policyRejections.WithLabelValues(stage, rule).Inc()
}

func (m *Metrics) DispatchAttempt(firm, status string) {
	if m == nil {
		return
	}
	m.dispatchAttempts.WithLabelValues(firm, status).Inc()
}

// ObserveBatch 记录一次批处理的耗时与任务数。
func (m *Metrics) ObserveBatch(d time.Duration, size int) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
	m.batchSize.Observe(float64(size))
}
