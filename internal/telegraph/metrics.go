package telegraph

import "github.com/prometheus/client_golang/prometheus"

var (
	outboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shoutout_outbound_messages_total",
			Help: "Outbound messages by payload kind and result.",
		},
		[]string{"kind", "result"},
	)
	retractTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shoutout_prompt_retractions_total",
			Help: "Prompt retractions by result.",
		},
		[]string{"result"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoutout_throttle_queue_depth",
			Help: "Jobs waiting in the outbound throttle queue.",
		},
	)
	inboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shoutout_inbound_events_total",
			Help: "Inbound events by type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(outboundTotal)
	prometheus.MustRegister(retractTotal)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(inboundTotal)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
