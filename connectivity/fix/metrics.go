package fix

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wyfcoding/fixengine/metrics"
)

// 报文方向标签.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// SessionMetrics 会话层指标，一个进程内只注册一次，由所有会话共享.
type SessionMetrics struct {
	Messages       *prometheus.CounterVec
	SequenceGaps   *prometheus.CounterVec
	ResendRequests *prometheus.CounterVec
	State          *prometheus.GaugeVec
	Disconnects    *prometheus.CounterVec
}

// NewSessionMetrics 在 m 上注册会话层指标.
func NewSessionMetrics(m *metrics.Metrics) *SessionMetrics {
	return &SessionMetrics{
		Messages: m.NewCounterVec(prometheus.CounterOpts{
			Name: "fix_messages_total",
			Help: "Total FIX messages by session and direction",
		}, []string{"session", "direction"}),
		SequenceGaps: m.NewCounterVec(prometheus.CounterOpts{
			Name: "fix_sequence_gaps_total",
			Help: "Inbound sequence gaps detected",
		}, []string{"session"}),
		ResendRequests: m.NewCounterVec(prometheus.CounterOpts{
			Name: "fix_resend_requests_total",
			Help: "ResendRequests received and served",
		}, []string{"session"}),
		State: m.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fix_session_state",
			Help: "Session state: 0 unconnected, 1 connected, 2 logged on",
		}, []string{"session"}),
		Disconnects: m.NewCounterVec(prometheus.CounterOpts{
			Name: "fix_disconnects_total",
			Help: "Session disconnects",
		}, []string{"session"}),
	}
}

func (sm *SessionMetrics) message(id, direction string) {
	if sm != nil {
		sm.Messages.WithLabelValues(id, direction).Inc()
	}
}

func (sm *SessionMetrics) gap(id string) {
	if sm != nil {
		sm.SequenceGaps.WithLabelValues(id).Inc()
	}
}

func (sm *SessionMetrics) resend(id string) {
	if sm != nil {
		sm.ResendRequests.WithLabelValues(id).Inc()
	}
}

func (sm *SessionMetrics) state(id string, s State) {
	if sm != nil {
		sm.State.WithLabelValues(id).Set(float64(s.ordinal()))
	}
}

func (sm *SessionMetrics) disconnect(id string) {
	if sm != nil {
		sm.Disconnects.WithLabelValues(id).Inc()
	}
}
