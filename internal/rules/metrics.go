package rules

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the rule engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	passesTotal    *prometheus.CounterVec
	passDuration   *prometheus.HistogramVec
	ruleResults    *prometheus.CounterVec
	actionsFired   *prometheus.CounterVec
	purgesTotal    *prometheus.CounterVec
	registeredSets *prometheus.GaugeVec
}

// NewMetrics creates and registers the engine collectors. It returns nil
// when reg is nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		passesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ioirex",
			Subsystem: "rules",
			Name:      "passes_total",
			Help:      "Execution passes by outcome",
		}, []string{"rule_set", "outcome"}),

		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ioirex",
			Subsystem: "rules",
			Name:      "pass_duration_seconds",
			Help:      "Time spent in one execution pass",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}, []string{"rule_set"}),

		ruleResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ioirex",
			Subsystem: "rules",
			Name:      "rule_evaluations_total",
			Help:      "Rule evaluations by combined condition result",
		}, []string{"rule_set", "rule", "result"}),

		actionsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ioirex",
			Subsystem: "rules",
			Name:      "actions_fired_total",
			Help:      "Action executors invoked",
		}, []string{"rule_set", "rule", "action"}),

		purgesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ioirex",
			Subsystem: "rules",
			Name:      "purges_total",
			Help:      "Data sets purged from a rule set",
		}, []string{"rule_set"}),

		registeredSets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ioirex",
			Subsystem: "rules",
			Name:      "registered_data_sets",
			Help:      "Data sets currently registered per rule set",
		}, []string{"rule_set"}),
	}

	for _, c := range []prometheus.Collector{
		m.passesTotal,
		m.passDuration,
		m.ruleResults,
		m.actionsFired,
		m.purgesTotal,
		m.registeredSets,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observePass(ruleSet string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.passesTotal.WithLabelValues(ruleSet, outcome).Inc()
	m.passDuration.WithLabelValues(ruleSet).Observe(d.Seconds())
}

func (m *Metrics) ruleEvaluated(ruleSet, rule string, result bool) {
	if m == nil {
		return
	}
	m.ruleResults.WithLabelValues(ruleSet, rule, strconv.FormatBool(result)).Inc()
}

func (m *Metrics) actionFired(ruleSet, rule, action string) {
	if m == nil {
		return
	}
	m.actionsFired.WithLabelValues(ruleSet, rule, action).Inc()
}

func (m *Metrics) setRegistered(ruleSet string, n int) {
	if m == nil {
		return
	}
	m.registeredSets.WithLabelValues(ruleSet).Set(float64(n))
}

func (m *Metrics) purged(ruleSet string, remaining int) {
	if m == nil {
		return
	}
	m.purgesTotal.WithLabelValues(ruleSet).Inc()
	m.registeredSets.WithLabelValues(ruleSet).Set(float64(remaining))
}
