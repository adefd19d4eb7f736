// Package metrics 暴露交易生命周期相关的 Prometheus 指标。
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"vaultflow/pkg/models"
)

// 操作结果标签
const (
	OutcomeIncluded = "included"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

type lifecycleMetrics struct {
	actions         *prometheus.CounterVec
	phases          *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	staleRejections prometheus.Counter
	inFlight        prometheus.Gauge
	price           prometheus.Gauge
}

var (
	lifecycleOnce     sync.Once
	lifecycleRegistry *lifecycleMetrics
)

// Lifecycle 返回全局生命周期指标，首次调用时注册到默认注册表
func Lifecycle() *lifecycleMetrics {
	lifecycleOnce.Do(func() {
		lifecycleRegistry = newLifecycleMetrics()
		prometheus.MustRegister(
			lifecycleRegistry.actions,
			lifecycleRegistry.phases,
			lifecycleRegistry.duration,
			lifecycleRegistry.staleRejections,
			lifecycleRegistry.inFlight,
			lifecycleRegistry.price,
		)
	})
	return lifecycleRegistry
}

func newLifecycleMetrics() *lifecycleMetrics {
	return &lifecycleMetrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultflow",
			Subsystem: "executor",
			Name:      "actions_total",
			Help:      "Vault actions segmented by type and outcome.",
		}, []string{"type", "outcome"}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultflow",
			Subsystem: "tracker",
			Name:      "phase_transitions_total",
			Help:      "Lifecycle phase transitions segmented by type and phase.",
		}, []string{"type", "phase"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vaultflow",
			Subsystem: "executor",
			Name:      "action_duration_seconds",
			Help:      "Time from BUILDING to a terminal phase.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"type", "outcome"}),
		staleRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vaultflow",
			Subsystem: "pricefeed",
			Name:      "stale_rejections_total",
			Help:      "Actions rejected because the price proof was outside the accepted block range.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultflow",
			Subsystem: "executor",
			Name:      "in_flight",
			Help:      "1 while a vault action is in flight.",
		}),
		price: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultflow",
			Subsystem: "pricefeed",
			Name:      "price_nano_usd",
			Help:      "Latest fetched MINA price in nano USD.",
		}),
	}
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

// RecordActionRejected 操作在开始前被拒绝（单飞、校验）
func (m *lifecycleMetrics) RecordActionRejected(actionType models.ActionType) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(label(string(actionType)), OutcomeRejected).Inc()
}

// RecordStalePrice 价格证明过期
func (m *lifecycleMetrics) RecordStalePrice() {
	if m == nil {
		return
	}
	m.staleRejections.Inc()
}

// RecordPrice 最新价格
func (m *lifecycleMetrics) RecordPrice(point models.PricePoint) {
	if m == nil {
		return
	}
	m.price.Set(float64(point.PriceNanoUSD))
}

// Observe 跟踪器观察者：记录阶段变化、终止结果与耗时
func (m *lifecycleMetrics) Observe(prev, next models.LifecycleState) {
	if m == nil || !next.Active() || (prev.Phase == next.Phase && prev.CorrelationID == next.CorrelationID) {
		return
	}
	actionType := label(string(next.Type))
	m.phases.WithLabelValues(actionType, string(next.Phase)).Inc()

	switch next.Phase {
	case models.PhaseBuilding:
		m.inFlight.Set(1)
	case models.PhaseIncluded, models.PhaseFailed:
		outcome := OutcomeIncluded
		if next.Phase == models.PhaseFailed {
			outcome = OutcomeFailed
		}
		m.actions.WithLabelValues(actionType, outcome).Inc()
		if !next.StartedAt.IsZero() {
			m.duration.WithLabelValues(actionType, outcome).Observe(next.UpdatedAt.Sub(next.StartedAt).Seconds())
		}
		m.inFlight.Set(0)
	}
}
