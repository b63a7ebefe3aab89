package feed

import "sync"

// Field is one named value on an order or IOI. It remembers the value it held
// before the last change and notifies listeners after every change.
type Field struct {
	name string

	mu        sync.RWMutex
	value     string
	previous  string
	nextID    uint64
	listeners []listener
}

type listener struct {
	id uint64
	fn func()
}

func newField(name, value string) *Field {
	return &Field{name: name, value: value, previous: value}
}

func (f *Field) Name() string { return f.name }

func (f *Field) Value() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value
}

func (f *Field) PreviousValue() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.previous
}

// AddChangeListener subscribes fn and returns a function that removes it.
// Removing twice is a no-op.
func (f *Field) AddChangeListener(fn func()) (remove func()) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners = append(f.listeners, listener{id: id, fn: fn})
	f.mu.Unlock()
	return func() { f.removeListener(id) }
}

func (f *Field) removeListener(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, l := range f.listeners {
		if l.id == id {
			f.listeners = append(f.listeners[:i:i], f.listeners[i+1:]...)
			return
		}
	}
}

// ListenerCount reports how many change listeners are subscribed.
func (f *Field) ListenerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners)
}

// set stores v and reports whether it changed. Listeners run after the lock
// is released, on the caller's goroutine.
func (f *Field) set(v string) bool {
	f.mu.Lock()
	if f.value == v {
		f.mu.Unlock()
		return false
	}
	f.previous, f.value = f.value, v
	listeners := make([]listener, len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	for _, l := range listeners {
		l.fn()
	}
	return true
}
