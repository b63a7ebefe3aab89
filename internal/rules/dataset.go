package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayouts are tried in order when a string data point is read as a time.
var TimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// DataPoint binds a key to a source inside one data set.
type DataPoint struct {
	key    string
	source Source
}

func (p *DataPoint) Key() string    { return p.key }
func (p *DataPoint) Source() Source { return p.source }
func (p *DataPoint) Value() any     { return p.source.Value() }
func (p *DataPoint) Stale() bool    { return p.source.Stale() }

// DataSet groups the data points evaluated together by a rule set: one order,
// one IOI, or one IOI/order pair.
type DataSet struct {
	id     string
	points map[string]*DataPoint
	keys   []string
	notify func()
	purged   bool
	purgedBy string
	owner    *RuleSet
}

func newDataSet(id string, notify func()) *DataSet {
	return &DataSet{
		id:     id,
		points: make(map[string]*DataPoint),
		notify: notify,
	}
}

func (ds *DataSet) ID() string { return ds.id }

// AddDataPoint binds key to src. Keys are unique within a data set.
func (ds *DataSet) AddDataPoint(key string, src Source) (*DataPoint, error) {
	if _, exists := ds.points[key]; exists {
		return nil, fmt.Errorf("data set %s: %w: %s", ds.id, ErrDuplicateKey, key)
	}
	if b, ok := src.(notifierBinder); ok && ds.notify != nil {
		b.bindNotifier(ds.notify)
	}
	p := &DataPoint{key: key, source: src}
	ds.points[key] = p
	ds.keys = append(ds.keys, key)
	return p, nil
}

// Keys returns the data point keys in the order they were added.
func (ds *DataSet) Keys() []string {
	out := make([]string, len(ds.keys))
	copy(out, ds.keys)
	return out
}

func (ds *DataSet) DataPoint(key string) (*DataPoint, error) {
	p, ok := ds.points[key]
	if !ok {
		return nil, resolutionError(ds, key, "no such data point")
	}
	return p, nil
}

func (ds *DataSet) Value(key string) (any, error) {
	p, err := ds.DataPoint(key)
	if err != nil {
		return nil, err
	}
	return p.Value(), nil
}

func (ds *DataSet) String(key string) (string, error) {
	v, err := ds.Value(key)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", resolutionError(ds, key, "expected string, got %T", v)
	}
}

func (ds *DataSet) Bool(key string) (bool, error) {
	v, err := ds.Value(key)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, perr := strconv.ParseBool(strings.TrimSpace(b))
		if perr != nil {
			return false, resolutionError(ds, key, "expected bool, got %q", b)
		}
		return parsed, nil
	default:
		return false, resolutionError(ds, key, "expected bool, got %T", v)
	}
}

func (ds *DataSet) Decimal(key string) (decimal.Decimal, error) {
	v, err := ds.Value(key)
	if err != nil {
		return decimal.Zero, err
	}
	d, ok := toDecimal(v)
	if !ok {
		return decimal.Zero, resolutionError(ds, key, "expected number, got %T %v", v, v)
	}
	return d, nil
}

func (ds *DataSet) Time(key string) (time.Time, error) {
	v, err := ds.Value(key)
	if err != nil {
		return time.Time{}, err
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range TimeLayouts {
			if parsed, perr := time.Parse(layout, s); perr == nil {
				return parsed, nil
			}
		}
		return time.Time{}, resolutionError(ds, key, "expected timestamp, got %q", t)
	default:
		return time.Time{}, resolutionError(ds, key, "expected timestamp, got %T", v)
	}
}

func (ds *DataSet) Flag(key string) (*FlagSource, error) {
	p, err := ds.DataPoint(key)
	if err != nil {
		return nil, err
	}
	f, err := p.source.AsFlag()
	if err != nil {
		return nil, resolutionError(ds, key, "%v", err)
	}
	return f, nil
}

func (ds *DataSet) Field(key string) (*FieldSource, error) {
	p, err := ds.DataPoint(key)
	if err != nil {
		return nil, err
	}
	f, err := p.source.AsField()
	if err != nil {
		return nil, resolutionError(ds, key, "%v", err)
	}
	return f, nil
}

// Stale reports whether any data point has changed since it was last consumed.
func (ds *DataSet) Stale() bool {
	for _, p := range ds.points {
		if p.source.Stale() {
			return true
		}
	}
	return false
}

// StaleKeys lists stale data points in insertion order.
func (ds *DataSet) StaleKeys() []string {
	var out []string
	for _, k := range ds.keys {
		if ds.points[k].source.Stale() {
			out = append(out, k)
		}
	}
	return out
}

func (ds *DataSet) Purged() bool { return ds.purged }

// PurgedBy names the rule whose action purged the data set. It is empty while
// the data set is registered, and when it was purged outside a pass.
func (ds *DataSet) PurgedBy() string { return ds.purgedBy }

// release drops every field subscription; a purged data set never runs again.
func (ds *DataSet) release() {
	for _, p := range ds.points {
		if f, err := p.source.AsField(); err == nil {
			f.Release()
		}
	}
}

func (ds *DataSet) clearStale() {
	for _, p := range ds.points {
		p.source.ClearStale()
	}
}

// clearFlags consumes assertions made by the pass that just ran.
func (ds *DataSet) clearFlags() {
	for _, p := range ds.points {
		if f, err := p.source.AsFlag(); err == nil {
			f.ClearStale()
		}
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	default:
		return decimal.Zero, false
	}
}
