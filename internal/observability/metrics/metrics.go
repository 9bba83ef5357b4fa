package metrics

import "github.com/prometheus/client_golang/prometheus"

// MessagingMetrics exposes counters/histograms for reconciliation flows.
type MessagingMetrics struct {
	webhookTotal   *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
	inboundTotal   *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	ackTotal       *prometheus.CounterVec
	mediaTotal     *prometheus.CounterVec
}

func NewMessagingMetrics(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waha_bridge",
			Subsystem: "messaging",
			Name:      "webhook_total",
			Help:      "Total gateway webhooks by event and outcome",
		}, []string{"event_type", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "waha_bridge",
			Subsystem: "messaging",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of gateway webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waha_bridge",
			Subsystem: "messaging",
			Name:      "inbound_reconciled_total",
			Help:      "Inbound messages reconciled, by result",
		}, []string{"result", "kind"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waha_bridge",
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Outbound sends by status and failure classification",
		}, []string{"status", "failure"}),
		ackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waha_bridge",
			Subsystem: "messaging",
			Name:      "ack_total",
			Help:      "Delivery acknowledgements by resulting state",
		}, []string{"state", "changed"}),
		mediaTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waha_bridge",
			Subsystem: "media",
			Name:      "jobs_total",
			Help:      "Media attachment jobs by outcome",
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.webhookTotal, m.webhookLatency, m.inboundTotal, m.outboundTotal, m.ackTotal, m.mediaTotal)
	return m
}

func (m *MessagingMetrics) ObserveWebhook(eventType, status string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(eventType, status).Inc()
}

func (m *MessagingMetrics) ObserveWebhookLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}

// ObserveInbound records one inbound reconciliation: created, duplicate or error.
func (m *MessagingMetrics) ObserveInbound(result, kind string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(result, kind).Inc()
}

func (m *MessagingMetrics) ObserveOutbound(status, failure string) {
	if m == nil {
		return
	}
	if failure == "" {
		failure = "none"
	}
	m.outboundTotal.WithLabelValues(status, failure).Inc()
}

func (m *MessagingMetrics) ObserveAck(state string, changed bool) {
	if m == nil {
		return
	}
	label := "false"
	if changed {
		label = "true"
	}
	m.ackTotal.WithLabelValues(state, label).Inc()
}

func (m *MessagingMetrics) ObserveMediaJob(status string) {
	if m == nil {
		return
	}
	m.mediaTotal.WithLabelValues(status).Inc()
}
