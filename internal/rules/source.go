package rules

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Field is the consumer side of a feed field: a named value with the value it
// held before the last change, and a way to hear about changes. Listeners may
// be called from a feed goroutine. AddChangeListener returns a function that
// unsubscribes fn.
type Field interface {
	Name() string
	Value() string
	PreviousValue() string
	AddChangeListener(fn func()) (remove func())
}

// Source provides the value behind a data point.
type Source interface {
	Value() any
	Stale() bool
	ClearStale()
	AsFlag() (*FlagSource, error)
	AsField() (*FieldSource, error)
}

// notifierBinder is implemented by sources that can wake the evaluation loop
// when they turn stale.
type notifierBinder interface {
	bindNotifier(fn func())
}

// FieldSource is a data point source backed by a feed field. It subscribes to
// the field once, at construction, and unsubscribes on Release.
type FieldSource struct {
	field   Field
	release func()
	once    sync.Once

	mu       sync.Mutex
	observed string
	stale    atomic.Bool
	notify   atomic.Pointer[func()]
}

func NewFieldSource(field Field) *FieldSource {
	s := &FieldSource{field: field, observed: field.Value()}
	s.release = field.AddChangeListener(s.onChange)
	return s
}

// onChange only flips the stale bit and pokes the notifier; it must stay
// cheap because it runs on the feed's goroutine.
func (s *FieldSource) onChange() {
	s.mu.Lock()
	diverged := s.field.Value() != s.observed
	if diverged {
		s.stale.Store(true)
	}
	s.mu.Unlock()

	if diverged {
		if fn := s.notify.Load(); fn != nil {
			(*fn)()
		}
	}
}

func (s *FieldSource) bindNotifier(fn func()) {
	if fn == nil {
		return
	}
	s.notify.Store(&fn)
}

func (s *FieldSource) Value() any { return s.field.Value() }

func (s *FieldSource) PreviousValue() string { return s.field.PreviousValue() }

// Release unsubscribes from the field. The source keeps its last staleness
// and still reads the field's current value.
func (s *FieldSource) Release() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

func (s *FieldSource) Stale() bool { return s.stale.Load() }

// ClearStale snapshots the field's current value as the new baseline.
func (s *FieldSource) ClearStale() {
	s.mu.Lock()
	s.observed = s.field.Value()
	s.stale.Store(false)
	s.mu.Unlock()
}

func (s *FieldSource) AsFlag() (*FlagSource, error) {
	return nil, fmt.Errorf("field %s is not a flag", s.field.Name())
}

func (s *FieldSource) AsField() (*FieldSource, error) { return s, nil }

// FlagSource holds an engine-asserted fact. Every SetValue marks it stale,
// even when the value does not change.
type FlagSource struct {
	mu    sync.Mutex
	value any
	stale atomic.Bool
}

func NewBoolFlag(initial bool) *FlagSource { return &FlagSource{value: initial} }

func NewStringFlag(initial string) *FlagSource { return &FlagSource{value: initial} }

func (f *FlagSource) SetValue(v any) {
	f.mu.Lock()
	f.value = v
	f.mu.Unlock()
	f.stale.Store(true)
}

func (f *FlagSource) Value() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *FlagSource) Stale() bool { return f.stale.Load() }

func (f *FlagSource) ClearStale() { f.stale.Store(false) }

func (f *FlagSource) AsFlag() (*FlagSource, error) { return f, nil }

func (f *FlagSource) AsField() (*FieldSource, error) {
	return nil, fmt.Errorf("flag holding %T is not field-backed", f.Value())
}
