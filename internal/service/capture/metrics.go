package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 会话创建失败原因，用作 "reason" 标签
const (
	reasonConfiguration = "configuration"
	reasonProvisioning  = "provisioning"
	reasonConnect       = "connect"
	reasonNavigate      = "navigate"
	reasonClosed        = "closed"
)

// Metrics 捕获服务的 prometheus 指标。nil *Metrics 合法，不记录任何数据
type Metrics struct {
	sessionsStarted prometheus.Counter
	startFailures   *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	tokensCaptured  prometheus.Counter
	tokensConsumed  prometheus.Counter
	sessionsSwept   prometheus.Counter
	anomalies       prometheus.Counter
}

// NewMetrics 在 reg 上注册捕获服务指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "draft",
			Subsystem: "capture",
			Name:      "sessions_started_total",
			Help:      "Capture sessions that reached the login page.",
		}),
		startFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "draft",
			Subsystem: "capture",
			Name:      "start_failures_total",
			Help:      "Capture sessions that failed to start, by reason.",
		}, []string{"reason"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "draft",
			Subsystem: "capture",
			Name:      "sessions_active",
			Help:      "Sessions currently held in the registry.",
		}),
		tokensCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "draft",
			Subsystem: "capture",
			Name:      "tokens_captured_total",
			Help:      "Tokens stored for a session (first capture only).",
		}),
		tokensConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "draft",
			Subsystem: "capture",
			Name:      "tokens_consumed_total",
			Help:      "Tokens handed out through get-token.",
		}),
		sessionsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "draft",
			Subsystem: "capture",
			Name:      "sessions_swept_total",
			Help:      "Sessions removed for exceeding the staleness window.",
		}),
		anomalies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "draft",
			Subsystem: "capture",
			Name:      "interception_anomalies_total",
			Help:      "Matching requests whose auth header was not a usable string.",
		}),
	}
}

func (m *Metrics) recordStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) recordStartFailure(reason string) {
	if m == nil {
		return
	}
	m.startFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) recordCaptured() {
	if m == nil {
		return
	}
	m.tokensCaptured.Inc()
}

func (m *Metrics) recordConsumed() {
	if m == nil {
		return
	}
	m.tokensConsumed.Inc()
}

func (m *Metrics) recordSwept(n int) {
	if m == nil || n == 0 {
		return
	}
	m.sessionsSwept.Add(float64(n))
}

func (m *Metrics) recordAnomaly() {
	if m == nil {
		return
	}
	m.anomalies.Inc()
}
