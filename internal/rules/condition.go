// internal/rules/condition.go

package rules

import (
	"fmt"
	"strings"
)

const (
	OperatorEqual              = "equal"
	OperatorNotEqual           = "notEqual"
	OperatorGreaterThan        = "greaterThan"
	OperatorGreaterThanOrEqual = "greaterThanOrEqual"
	OperatorLessThan           = "lessThan"
	OperatorLessThanOrEqual    = "lessThanOrEqual"
	OperatorContains           = "contains"
	OperatorNotContains        = "notContains"
)

var SupportedOperators = []string{
	OperatorEqual,
	OperatorNotEqual,
	OperatorGreaterThan,
	OperatorGreaterThanOrEqual,
	OperatorLessThan,
	OperatorLessThanOrEqual,
	OperatorContains,
	OperatorNotContains,
}

// Evaluator is a side-effect free predicate over a data set. DependsOn lists
// the data point keys it reads.
type Evaluator interface {
	Name() string
	DependsOn() []string
	Evaluate(ds *DataSet) (bool, error)
}

type funcEvaluator struct {
	name string
	deps []string
	fn   func(ds *DataSet) (bool, error)
}

// Condition adapts a function to an Evaluator.
func Condition(name string, deps []string, fn func(ds *DataSet) (bool, error)) Evaluator {
	return &funcEvaluator{name: name, deps: deps, fn: fn}
}

func (c *funcEvaluator) Name() string                       { return c.name }
func (c *funcEvaluator) DependsOn() []string                { return c.deps }
func (c *funcEvaluator) Evaluate(ds *DataSet) (bool, error) { return c.fn(ds) }

// Comparison tests one data point against a constant.
type Comparison struct {
	Fact     string
	Operator string
	Value    any
}

// Compare builds a Comparison, rejecting unknown operators up front.
func Compare(fact, operator string, value any) (*Comparison, error) {
	if fact == "" {
		return nil, fmt.Errorf("comparison requires a fact")
	}
	if !isValidOperator(operator) {
		return nil, fmt.Errorf("invalid operator '%s' for fact '%s'", operator, fact)
	}
	return &Comparison{Fact: fact, Operator: operator, Value: value}, nil
}

// MustCompare is Compare for rule sets built at start-up.
func MustCompare(fact, operator string, value any) *Comparison {
	c, err := Compare(fact, operator, value)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Comparison) Name() string {
	return fmt.Sprintf("%s %s %v", c.Fact, c.Operator, c.Value)
}

func (c *Comparison) DependsOn() []string { return []string{c.Fact} }

func (c *Comparison) Evaluate(ds *DataSet) (bool, error) {
	switch c.Operator {
	case OperatorEqual, OperatorNotEqual:
		eq, err := c.equal(ds)
		if err != nil {
			return false, err
		}
		return eq == (c.Operator == OperatorEqual), nil

	case OperatorContains, OperatorNotContains:
		s, err := ds.String(c.Fact)
		if err != nil {
			return false, err
		}
		want, ok := c.Value.(string)
		if !ok {
			return false, resolutionError(ds, c.Fact, "operator %s needs a string operand, got %T", c.Operator, c.Value)
		}
		return strings.Contains(s, want) == (c.Operator == OperatorContains), nil

	default:
		have, err := ds.Decimal(c.Fact)
		if err != nil {
			return false, err
		}
		want, ok := toDecimal(c.Value)
		if !ok {
			return false, resolutionError(ds, c.Fact, "operator %s needs a numeric operand, got %T", c.Operator, c.Value)
		}
		cmp := have.Cmp(want)
		switch c.Operator {
		case OperatorGreaterThan:
			return cmp > 0, nil
		case OperatorGreaterThanOrEqual:
			return cmp >= 0, nil
		case OperatorLessThan:
			return cmp < 0, nil
		case OperatorLessThanOrEqual:
			return cmp <= 0, nil
		}
		return false, fmt.Errorf("unsupported operator '%s'", c.Operator)
	}
}

func (c *Comparison) equal(ds *DataSet) (bool, error) {
	switch want := c.Value.(type) {
	case bool:
		have, err := ds.Bool(c.Fact)
		return have == want, err
	case string:
		have, err := ds.String(c.Fact)
		return have == want, err
	default:
		have, err := ds.Decimal(c.Fact)
		if err != nil {
			return false, err
		}
		w, ok := toDecimal(want)
		if !ok {
			return false, resolutionError(ds, c.Fact, "cannot compare with %T", c.Value)
		}
		return have.Equal(w), nil
	}
}

func isValidOperator(operator string) bool {
	for _, supported := range SupportedOperators {
		if operator == supported {
			return true
		}
	}
	return false
}
