package rules

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// EngineConfig is passed to NewEngine. A nil Logger disables logging and a
// nil Registerer disables metrics.
type EngineConfig struct {
	Logger     *zerolog.Logger
	Registerer prometheus.Registerer
}

// Engine creates rule sets, data sets and actions and executes rule sets
// against data sets. It is not safe for concurrent use: every call except
// OnStale's notifier runs on one evaluation goroutine.
type Engine struct {
	log      zerolog.Logger
	metrics  *Metrics
	ruleSets map[string]*RuleSet
	order    []*RuleSet
	notify   atomic.Pointer[func()]
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "rules").Logger()
	}
	metrics, err := NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register rule engine metrics: %w", err)
	}
	return &Engine{
		log:      logger,
		metrics:  metrics,
		ruleSets: make(map[string]*RuleSet),
	}, nil
}

// OnStale installs the function called, possibly from a feed goroutine, when
// a data point of an engine-created data set turns stale.
func (e *Engine) OnStale(fn func()) {
	if fn == nil {
		e.notify.Store(nil)
		return
	}
	e.notify.Store(&fn)
}

func (e *Engine) signalStale() {
	if fn := e.notify.Load(); fn != nil {
		(*fn)()
	}
}

func (e *Engine) CreateRuleSet(name string) (*RuleSet, error) {
	if _, exists := e.ruleSets[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRuleSet, name)
	}
	rs := &RuleSet{
		name:     name,
		engine:   e,
		registry: make(map[string]*DataSet),
	}
	e.ruleSets[name] = rs
	e.order = append(e.order, rs)
	e.log.Info().Str("ruleSet", name).Msg("Rule set created")
	return rs, nil
}

func (e *Engine) RuleSet(name string) (*RuleSet, error) {
	rs, ok := e.ruleSets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleSetNotFound, name)
	}
	return rs, nil
}

// RuleSets returns the rule sets in creation order.
func (e *Engine) RuleSets() []*RuleSet {
	out := make([]*RuleSet, len(e.order))
	copy(out, e.order)
	return out
}

func (e *Engine) CreateAction(name string, executor Executor) *Action {
	return &Action{Name: name, Executor: executor}
}

// CreateDataSet returns an empty data set wired to the engine's staleness
// notifier.
func (e *Engine) CreateDataSet(id string) *DataSet {
	return newDataSet(id, e.signalStale)
}

func (e *Engine) Execute(ruleSetName string, ds *DataSet) error {
	rs, err := e.RuleSet(ruleSetName)
	if err != nil {
		return err
	}
	return rs.Execute(ds)
}

// ExecuteByID re-runs a registered data set. Purged ids are not found.
func (e *Engine) ExecuteByID(ruleSetName, id string) error {
	rs, err := e.RuleSet(ruleSetName)
	if err != nil {
		return err
	}
	ds, ok := rs.DataSet(id)
	if !ok {
		return fmt.Errorf("rule set %s: %w: %s", ruleSetName, ErrDataSetNotFound, id)
	}
	return rs.Execute(ds)
}

// ExecuteStale runs one pass for every registered data set holding at least
// one stale data point. Failures are isolated per data set and joined.
func (e *Engine) ExecuteStale() (int, error) {
	var errs []error
	executed := 0
	for _, rs := range e.order {
		for _, ds := range rs.DataSets() {
			if ds.purged || !ds.Stale() {
				continue
			}
			e.log.Debug().
				Str("ruleSet", rs.name).
				Str("dataSet", ds.id).
				Strs("stale", ds.StaleKeys()).
				Msg("Re-evaluating stale data set")
			executed++
			if err := rs.Execute(ds); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return executed, errors.Join(errs...)
}
