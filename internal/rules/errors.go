package rules

import (
	"errors"
	"fmt"
)

var (
	ErrRuleSetNotFound  = errors.New("rule set not found")
	ErrDuplicateRuleSet = errors.New("rule set already exists")
	ErrDataSetNotFound  = errors.New("data set not found")
	ErrDataSetPurged    = errors.New("data set has been purged")
	ErrDuplicateKey     = errors.New("data point key already exists")
	ErrActionPanic      = errors.New("panic during rule execution")
	ErrDataSetOwned     = errors.New("data set is owned by another rule set")
)

// DataPointResolutionError is returned when a condition or action references a
// data point that is missing or holds a value of the wrong type.
type DataPointResolutionError struct {
	DataSet string
	Key     string
	Reason  string
}

func (e *DataPointResolutionError) Error() string {
	return fmt.Sprintf("data set %s: cannot resolve data point %q: %s", e.DataSet, e.Key, e.Reason)
}

// DuplicateDataSetError is returned when a second data set with an already
// registered id is submitted to a rule set. The first registration is kept.
type DuplicateDataSetError struct {
	RuleSet string
	ID      string
}

func (e *DuplicateDataSetError) Error() string {
	return fmt.Sprintf("rule set %s: data set %s is already registered", e.RuleSet, e.ID)
}

func resolutionError(ds *DataSet, key, format string, args ...any) *DataPointResolutionError {
	id := ""
	if ds != nil {
		id = ds.id
	}
	return &DataPointResolutionError{DataSet: id, Key: key, Reason: fmt.Sprintf(format, args...)}
}
