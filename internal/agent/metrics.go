package agent

import "github.com/prometheus/client_golang/prometheus"

type metrics interface {
	incGatheredCandidates(n int)
	incAllocations()
	incStateTransitions()
	incHandshakePackets()
}

type noopMetrics struct{}

func (noopMetrics) incGatheredCandidates(int) {}
func (noopMetrics) incAllocations()           {}
func (noopMetrics) incStateTransitions()      {}
func (noopMetrics) incHandshakePackets()      {}

// PromMetrics exposes agent counters as prometheus metrics.
type PromMetrics struct {
	candidates  prometheus.Counter
	allocations prometheus.Counter
	transitions prometheus.Counter
	handshakes  prometheus.Counter
}

// NewPromMetrics initializes and returns new PromMetrics.
func NewPromMetrics(labels prometheus.Labels) *PromMetrics {
	return &PromMetrics{
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "ice_agent_candidates_gathered_count",
			Help:        "gathered local candidates count",
			ConstLabels: labels,
		}),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "ice_agent_turn_allocations_count",
			Help:        "successful TURN allocations count",
			ConstLabels: labels,
		}),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "ice_agent_state_transitions_count",
			Help:        "connection state transitions count",
			ConstLabels: labels,
		}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "ice_agent_handshake_packets_count",
			Help:        "handshake packets sent count",
			ConstLabels: labels,
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *PromMetrics) Describe(d chan<- *prometheus.Desc) {
	d <- m.candidates.Desc()
	d <- m.allocations.Desc()
	d <- m.transitions.Desc()
	d <- m.handshakes.Desc()
}

// Collect implements prometheus.Collector.
func (m *PromMetrics) Collect(c chan<- prometheus.Metric) {
	m.candidates.Collect(c)
	m.allocations.Collect(c)
	m.transitions.Collect(c)
	m.handshakes.Collect(c)
}

func (m *PromMetrics) incGatheredCandidates(n int) {
	m.candidates.Add(float64(n))
}
func (m *PromMetrics) incAllocations()      { m.allocations.Inc() }
func (m *PromMetrics) incStateTransitions() { m.transitions.Inc() }
func (m *PromMetrics) incHandshakePackets() { m.handshakes.Inc() }
