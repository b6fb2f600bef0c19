// Package metrics exposes the Prometheus instruments for the publish
// pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds all shortpilot metrics.
type Registry struct {
	CycleDuration  prometheus.Histogram
	SlotOutcomes   *prometheus.CounterVec
	ProviderCalls  *prometheus.CounterVec
	CircuitState   *prometheus.GaugeVec
	DuplicateHits  *prometheus.CounterVec
	RiskMode       prometheus.Gauge
	RiskSwitches   *prometheus.CounterVec
	StrategyWeight *prometheus.GaugeVec
	PlannedSlots   prometheus.Gauge
}

// NewRegistry creates and registers all metrics. A nil registerer uses
// the process default.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Registry{
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shortpilot_cycle_duration_seconds",
				Help:    "Duration of one publish cycle in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),
		SlotOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shortpilot_slot_outcomes_total",
				Help: "Slot attempts by outcome (published, failed, skipped)",
			},
			[]string{"outcome", "reason"},
		),
		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shortpilot_provider_calls_total",
				Help: "Provider calls by capability, provider and result",
			},
			[]string{"capability", "provider", "result"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shortpilot_circuit_state",
				Help: "Circuit state per capability/provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"capability", "provider"},
		),
		DuplicateHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shortpilot_duplicate_hits_total",
				Help: "Candidates rejected as duplicates by kind",
			},
			[]string{"kind"},
		),
		RiskMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shortpilot_risk_mode",
				Help: "Current risk mode (0=normal, 1=throttled, 2=paused)",
			},
		),
		RiskSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shortpilot_risk_switches_total",
				Help: "Risk mode transitions by from/to mode",
			},
			[]string{"from", "to"},
		),
		StrategyWeight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shortpilot_strategy_weight",
				Help: "Current normalized weight per dimension option",
			},
			[]string{"dimension", "option"},
		),
		PlannedSlots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shortpilot_planned_slots",
				Help: "Slots in the current day's plan",
			},
		),
	}

	reg.MustRegister(
		r.CycleDuration,
		r.SlotOutcomes,
		r.ProviderCalls,
		r.CircuitState,
		r.DuplicateHits,
		r.RiskMode,
		r.RiskSwitches,
		r.StrategyWeight,
		r.PlannedSlots,
	)
	return r
}

// ObserveRiskMode maps a mode string onto the gauge.
func (r *Registry) ObserveRiskMode(mode string) {
	var v float64
	switch mode {
	case "THROTTLED":
		v = 1
	case "PAUSED":
		v = 2
	}
	r.RiskMode.Set(v)
}

// ObserveCircuit maps a circuit state string onto the gauge.
func (r *Registry) ObserveCircuit(capability, provider, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	r.CircuitState.WithLabelValues(capability, provider).Set(v)
}
