package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sshcollectorpro/mtcollector/internal/terminal"
)

// 指标命名空间与键
const (
	MetricsNamespace = "mtcollector"
	TargetsKey       = "targets_total"
	FailuresKey      = "failures_total"
	RunsKey          = "runs_total"
	TargetDuration   = "target_duration_seconds"
	LiveSessionsKey  = "live_sessions"
)

// Metrics 采集运行指标
type Metrics struct {
	targets  *prometheus.CounterVec
	failures *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics 创建并注册指标；tracker 非空时同时导出存活会话数
func NewMetrics(reg prometheus.Registerer, tracker *terminal.Tracker) *Metrics {
	m := &Metrics{
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      TargetsKey,
			Help:      "Targets processed, by path and final status",
		}, []string{"mode", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      FailuresKey,
			Help:      "Target failures by stage and reason",
		}, []string{"stage", "reason"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      RunsKey,
			Help:      "Completed runs by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      TargetDuration,
			Help:      "Time spent on a single target, login to logout",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"mode"}),
	}
	if reg == nil {
		return m
	}
	reg.MustRegister(m.targets, m.failures, m.runs, m.duration)
	if tracker != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      LiveSessionsKey,
			Help:      "Terminal sessions currently open",
		}, func() float64 { return float64(tracker.Live()) }))
	}
	return m
}

func (m *Metrics) observeTarget(mode string, res TargetResult, took time.Duration) {
	if m == nil {
		return
	}
	m.targets.WithLabelValues(mode, res.Status).Inc()
	if res.Stage != "" {
		m.failures.WithLabelValues(res.Stage, res.Reason).Inc()
	}
	if took > 0 {
		m.duration.WithLabelValues(mode).Observe(took.Seconds())
	}
}

func (m *Metrics) observeRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}
