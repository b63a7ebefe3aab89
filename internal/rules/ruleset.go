package rules

import (
	"errors"
	"fmt"
	"time"
)

// RuleSet is an ordered list of rules plus the data sets currently submitted
// to it. Rule order is evaluation order: later rules see flags asserted by
// earlier rules in the same pass.
type RuleSet struct {
	name     string
	engine   *Engine
	rules    []*Rule
	registry map[string]*DataSet
	order    []string
	onPurge  []func(ds *DataSet)
}

func (rs *RuleSet) Name() string { return rs.name }

func (rs *RuleSet) AddRule(name string) *Rule {
	r := &Rule{Name: name}
	rs.rules = append(rs.rules, r)
	return r
}

func (rs *RuleSet) Rules() []*Rule { return rs.rules }

// OnPurge registers a hook called after a data set is purged from this rule set.
func (rs *RuleSet) OnPurge(fn func(ds *DataSet)) {
	rs.onPurge = append(rs.onPurge, fn)
}

// Validate checks that every rule is named, has at least one condition and
// binds at least one action.
func (rs *RuleSet) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, r := range rs.rules {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("rule %d of rule set '%s' has no name", i, rs.name))
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("rule '%s' appears twice in rule set '%s'", r.Name, rs.name))
		}
		seen[r.Name] = true
		if len(r.Conditions) == 0 {
			errs = append(errs, fmt.Errorf("rule '%s' must have at least one condition", r.Name))
		}
		if len(r.Actions) == 0 {
			errs = append(errs, fmt.Errorf("rule '%s' must have at least one action", r.Name))
		}
		for j, b := range r.Actions {
			if b.Action == nil || b.Action.Executor == nil {
				errs = append(errs, fmt.Errorf("action %d of rule '%s' has no executor", j, r.Name))
			}
		}
	}
	return errors.Join(errs...)
}

// DataSet looks up a registered data set.
func (rs *RuleSet) DataSet(id string) (*DataSet, bool) {
	ds, ok := rs.registry[id]
	return ds, ok
}

// DataSets returns the registered data sets in registration order.
func (rs *RuleSet) DataSets() []*DataSet {
	out := make([]*DataSet, 0, len(rs.order))
	for _, id := range rs.order {
		out = append(out, rs.registry[id])
	}
	return out
}

func (rs *RuleSet) register(ds *DataSet) error {
	if existing, ok := rs.registry[ds.id]; ok {
		if existing != ds {
			return &DuplicateDataSetError{RuleSet: rs.name, ID: ds.id}
		}
		return nil
	}
	if ds.owner != nil && ds.owner != rs {
		return fmt.Errorf("data set %s: %w: %s", ds.id, ErrDataSetOwned, ds.owner.name)
	}
	ds.owner = rs
	rs.registry[ds.id] = ds
	rs.order = append(rs.order, ds.id)
	rs.engine.metrics.setRegistered(rs.name, len(rs.registry))
	return nil
}

// Purge removes ds from the registry and releases its field subscriptions.
// It reports whether ds was registered. A purged data set cannot be executed
// again.
func (rs *RuleSet) Purge(ds *DataSet) bool {
	existing, ok := rs.registry[ds.id]
	if !ok || existing != ds {
		return false
	}
	delete(rs.registry, ds.id)
	for i, id := range rs.order {
		if id == ds.id {
			rs.order = append(rs.order[:i], rs.order[i+1:]...)
			break
		}
	}
	ds.purged = true
	ds.release()
	rs.engine.metrics.purged(rs.name, len(rs.registry))
	rs.engine.log.Debug().Str("ruleSet", rs.name).Str("dataSet", ds.id).Msg("Data set purged")
	for _, fn := range rs.onPurge {
		fn(ds)
	}
	return true
}

// Execute registers ds (idempotently) and runs every rule once, top to bottom.
// The first error aborts the rest of the pass; ds stays registered so the
// next staleness-triggered pass retries it.
func (rs *RuleSet) Execute(ds *DataSet) (err error) {
	if ds.purged {
		return fmt.Errorf("rule set %s, data set %s: %w", rs.name, ds.id, ErrDataSetPurged)
	}
	if err := rs.register(ds); err != nil {
		return err
	}

	logger := rs.engine.log.With().Str("ruleSet", rs.name).Str("dataSet", ds.id).Logger()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule set %s, data set %s: %w: %v", rs.name, ds.id, ErrActionPanic, r)
		}
		ds.clearFlags()
		rs.engine.metrics.observePass(rs.name, time.Since(start), err)
		if err != nil {
			logger.Error().Err(err).Msg("Execution pass aborted")
		}
	}()

	ds.clearStale()
	for _, rule := range rs.rules {
		result, evalErr := rule.evaluate(ds)
		if evalErr != nil {
			return fmt.Errorf("rule %s: %w", rule.Name, evalErr)
		}
		rs.engine.metrics.ruleEvaluated(rs.name, rule.Name, result)
		logger.Debug().
			Str("rule", rule.Name).
			Bool("result", result).
			Strs("dependsOn", rule.Dependencies()).
			Msg("Rule evaluated")

		x := &Execution{RuleSet: rs, Rule: rule, DataSet: ds, Result: result}
		for _, b := range rule.Actions {
			if !b.Policy.fires(result) {
				continue
			}
			if actErr := b.Action.Executor.Execute(x); actErr != nil {
				return fmt.Errorf("rule %s, action %s: %w", rule.Name, b.Action.Name, actErr)
			}
			rs.engine.metrics.actionFired(rs.name, rule.Name, b.Action.Name)
			logger.Debug().Str("rule", rule.Name).Str("action", b.Action.Name).Str("policy", b.Policy.String()).Msg("Action fired")
		}

		if ds.purged {
			break
		}
	}
	return nil
}
