package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the store's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	eventsTotal     *prometheus.CounterVec
	dedupDropped    prometheus.Counter
	receiptsMarked  prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	emitsDropped    *prometheus.CounterVec
	unreadIncrement prometheus.Counter
}

// NewMetrics registers the collectors with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_events_total",
				Help: "Inbound realtime events by name",
			},
			[]string{"event"},
		),
		dedupDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_dedup_dropped_total",
				Help: "Messages dropped because their ID was already in the log",
			},
		),
		receiptsMarked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_receipts_marked_total",
				Help: "Messages reported read by bulk mark-read calls",
			},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_requests_total",
				Help: "REST calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		emitsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_emits_dropped_total",
				Help: "Outbound events not sent for lack of a live connection",
			},
			[]string{"event"},
		),
		unreadIncrement: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_unread_increments_total",
				Help: "Unread counter increments applied on message arrival",
			},
		),
	}
}

func (m *Metrics) event(name string) {
	if m != nil {
		m.eventsTotal.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) dedup() {
	if m != nil {
		m.dedupDropped.Inc()
	}
}

func (m *Metrics) receipts(n int) {
	if m != nil && n > 0 {
		m.receiptsMarked.Add(float64(n))
	}
}

func (m *Metrics) request(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requestsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) emitDropped(event string) {
	if m != nil {
		m.emitsDropped.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) unread() {
	if m != nil {
		m.unreadIncrement.Inc()
	}
}
