// internal/rules/rule.go

package rules

// TriggerPolicy decides when an action bound to a rule fires.
type TriggerPolicy int

const (
	OnTrue TriggerPolicy = iota
	OnFalse
	Always
)

func (p TriggerPolicy) String() string {
	switch p {
	case OnTrue:
		return "ON_TRUE"
	case OnFalse:
		return "ON_FALSE"
	case Always:
		return "ALWAYS"
	default:
		return "UNKNOWN"
	}
}

func (p TriggerPolicy) fires(result bool) bool {
	switch p {
	case Always:
		return true
	case OnTrue:
		return result
	case OnFalse:
		return !result
	default:
		return false
	}
}

// Executor performs the side effect of an action. It runs synchronously on
// the evaluation goroutine, so slow work must be handed off.
type Executor interface {
	Execute(x *Execution) error
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(x *Execution) error

func (f ExecutorFunc) Execute(x *Execution) error { return f(x) }

// Action is a named executor created by the engine.
type Action struct {
	Name     string
	Executor Executor
}

// Binding pairs a trigger policy with an action.
type Binding struct {
	Policy TriggerPolicy
	Action *Action
}

// Execution is what an executor sees: where it is running and the combined
// condition result of the rule that fired it.
type Execution struct {
	RuleSet *RuleSet
	Rule    *Rule
	DataSet *DataSet
	Result  bool
}

// Purge removes the data set from the rule set. The pass stops once the
// current rule's actions have run.
func (x *Execution) Purge() {
	if x.Rule != nil && !x.DataSet.purged {
		x.DataSet.purgedBy = x.Rule.Name
	}
	x.RuleSet.Purge(x.DataSet)
}

// Rule is an AND of conditions plus the actions bound to its outcome.
type Rule struct {
	Name       string
	Conditions []Evaluator
	Actions    []Binding
}

func (r *Rule) AddCondition(ev Evaluator) *Rule {
	r.Conditions = append(r.Conditions, ev)
	return r
}

func (r *Rule) AddAction(policy TriggerPolicy, action *Action) *Rule {
	r.Actions = append(r.Actions, Binding{Policy: policy, Action: action})
	return r
}

// Dependencies lists the keys read by the rule's conditions in declaration
// order, without duplicates.
func (r *Rule) Dependencies() []string {
	seen := make(map[string]bool)
	var deps []string
	for _, c := range r.Conditions {
		for _, key := range c.DependsOn() {
			if !seen[key] {
				seen[key] = true
				deps = append(deps, key)
			}
		}
	}
	return deps
}

// evaluate runs every condition; there is no short-circuit.
func (r *Rule) evaluate(ds *DataSet) (bool, error) {
	result := true
	for _, c := range r.Conditions {
		ok, err := c.Evaluate(ds)
		if err != nil {
			return false, err
		}
		result = result && ok
	}
	return result, nil
}
