// Package metrics exposes aggregate operator counters. Only
// aggregates are exported, never per-message or per-peer traces, so
// diagnostics cannot be used as an oracle for probing the defenses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the node's operator-facing instruments.
type Metrics struct {
	Evictions       prometheus.Counter
	AdmissionDenied *prometheus.CounterVec
	Throttles       prometheus.Counter
	Rejects         prometheus.Counter
	Discouragements prometheus.Counter
	Registrations   *prometheus.CounterVec
	LeadersSelected *prometheus.CounterVec
	MissedSlots     prometheus.Counter
	InvalidProofs   prometheus.Counter

	CooldownWindows *prometheus.GaugeVec
	Connections     *prometheus.GaugeVec
	AddrBookSize    *prometheus.GaugeVec
}

// New registers all instruments with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "node_evictions_total",
			Help: "Inbound connections evicted to make room",
		}),
		AdmissionDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "node_admission_denied_total",
			Help: "Connection admissions denied by reason",
		}, []string{"reason"}),
		Throttles: factory.NewCounter(prometheus.CounterOpts{
			Name: "node_messages_throttled_total",
			Help: "Messages throttled by the rate limiter",
		}),
		Rejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "node_messages_rejected_total",
			Help: "Messages rejected from discouraged peers",
		}),
		Discouragements: factory.NewCounter(prometheus.CounterOpts{
			Name: "node_peers_discouraged_total",
			Help: "Peers promoted to temporary discouragement",
		}),
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "node_registrations_total",
			Help: "Identity registrations by tier",
		}, []string{"tier"}),
		LeadersSelected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "node_leaders_selected_total",
			Help: "Leader selections by winning tier",
		}, []string{"tier"}),
		MissedSlots: factory.NewCounter(prometheus.CounterOpts{
			Name: "node_missed_slots_total",
			Help: "Slots whose leader failed to produce in time",
		}),
		InvalidProofs: factory.NewCounter(prometheus.CounterOpts{
			Name: "node_invalid_proofs_total",
			Help: "Lottery proofs that failed verification",
		}),
		CooldownWindows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "node_cooldown_windows",
			Help: "Applied registration cooldown by tier, in presence windows",
		}, []string{"tier"}),
		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "node_connections",
			Help: "Open connections by direction",
		}, []string{"direction"}),
		AddrBookSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "node_addrbook_entries",
			Help: "Address book entries by table",
		}, []string{"table"}),
	}
}
