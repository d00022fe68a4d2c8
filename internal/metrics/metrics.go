// Package metrics holds the prometheus collectors of the messaging stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rpmsg"

// Metrics groups the collectors. The zero value is not usable, use New.
type Metrics struct {
	Doorbells        *prometheus.CounterVec
	SpuriousIRQs     prometheus.Counter
	Messages         *prometheus.CounterVec
	IntegrityErrors  *prometheus.CounterVec
	EchoIterations   *prometheus.CounterVec
	RegisteredHandle prometheus.Gauge
}

// New creates the collectors and registers them into reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Doorbells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "doorbells_total",
			Help:      "Mailbox doorbells by direction (in, out).",
		}, []string{"direction"}),
		SpuriousIRQs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spurious_interrupts_total",
			Help:      "Doorbells dropped because the sender id was out of range.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Ring transport messages by direction (rx, tx).",
		}, []string{"direction"}),
		IntegrityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_integrity_errors_total",
			Help:      "Echo payloads rejected by the receive callback, per channel.",
		}, []string{"channel"}),
		EchoIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_iterations_total",
			Help:      "Echo payloads sent, per channel.",
		}, []string{"channel"}),
		RegisteredHandle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mailbox_registrations",
			Help:      "Remote-processor handles sharing the mailbox.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Doorbells, m.SpuriousIRQs, m.Messages, m.IntegrityErrors,
			m.EchoIterations, m.RegisteredHandle)
	}
	return m
}

var discard = New(nil)

// Discard returns an unregistered set, used when a component is built without metrics.
func Discard() *Metrics {
	return discard
}

// OrDiscard returns m, or Discard when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return discard
	}
	return m
}
