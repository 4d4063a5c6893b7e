package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/msgpipe/internal/pipeline/envelope"
)

const metricsNamespace = "msgpipe"

// Metrics holds the Prometheus instruments for the consumer and producer
// pipelines. A nil *Metrics is valid and records nothing, so pipelines can
// run without a metrics backend.
type Metrics struct {
	processedTotal   *prometheus.CounterVec
	commitsTotal     *prometheus.CounterVec
	deadLettersTotal *prometheus.CounterVec
	throttleSeconds  *prometheus.HistogramVec
	sentTotal        *prometheus.CounterVec
}

// NewMetrics creates the pipeline instruments and registers them with the
// given registerer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "processed_total",
			Help:      "Messages processed, labelled by topic and outcome.",
		}, []string{"topic", "outcome"}),
		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "commits_total",
			Help:      "Offsets committed back to the transport.",
		}, []string{"topic"}),
		deadLettersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "dead_letters_total",
			Help:      "Messages republished to the dead-letter topic.",
		}, []string{"topic"}),
		throttleSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "throttle_seconds",
			Help:      "Time spent waiting for messages to reach the minimum lag.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		sentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "producer",
			Name:      "sent_total",
			Help:      "Messages published, labelled by topic and action.",
		}, []string{"topic", "action"}),
	}

	for _, c := range []prometheus.Collector{
		m.processedTotal, m.commitsTotal, m.deadLettersTotal, m.throttleSeconds, m.sentTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeProcessed(topic string, outcome Outcome) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(topic, string(outcome)).Inc()
}

func (m *Metrics) observeCommit(topic string) {
	if m == nil {
		return
	}
	m.commitsTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) observeDeadLetter(topic string) {
	if m == nil {
		return
	}
	m.deadLettersTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) observeThrottle(topic string, d time.Duration) {
	if m == nil {
		return
	}
	m.throttleSeconds.WithLabelValues(topic).Observe(d.Seconds())
}

func (m *Metrics) observeSent(topic string, action envelope.Action) {
	if m == nil {
		return
	}
	m.sentTotal.WithLabelValues(topic, string(action)).Inc()
}
