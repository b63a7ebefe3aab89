// Package feed is an in-memory stand-in for the order management and IOI
// feeds. It provides the contract the matcher consumes: entities with named
// fields, previous values, change listeners, and new-entity notifications.
package feed

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type Kind string

const (
	KindOrder Kind = "order"
	KindIOI   Kind = "ioi"
)

// Order field names.
const (
	OrderSequence   = "EMSX_SEQUENCE"
	OrderStatus     = "EMSX_STATUS"
	OrderWorking    = "EMSX_WORKING"
	OrderAmount     = "EMSX_AMOUNT"
	OrderIdleAmount = "EMSX_IDLE_AMOUNT"
	OrderTicker     = "EMSX_TICKER"
	OrderSide       = "EMSX_SIDE"
	OrderAssetClass = "EMSX_ASSET_CLASS"
)

// IOI field names.
const (
	IOIHandle         = "id_value"
	IOIChange         = "change"
	IOIInstrumentType = "ioi_instrument_type"
	IOITicker         = "ioi_instrument_stock_security_ticker"
	IOIGoodUntil      = "ioi_goodUntil"
	IOIBidQuantity    = "ioi_bid_size_quantity"
	IOIOfferQuantity  = "ioi_offer_size_quantity"
	IOIBrokerCode     = "ioi_route_customId"
)

// Schema lists the fields an entity kind carries and which one is its key.
type Schema struct {
	Kind     Kind
	KeyField string
	Fields   []string
	// KeyForbidden lists characters an entity key may not contain.
	KeyForbidden string
}

// Order sequences are joined after an underscore in pair ids, so they may
// not contain one themselves.
var OrderSchema = Schema{
	Kind:         KindOrder,
	KeyField:     OrderSequence,
	KeyForbidden: "_",
	Fields: []string{
		OrderSequence, OrderStatus, OrderWorking, OrderAmount,
		OrderIdleAmount, OrderTicker, OrderSide, OrderAssetClass,
	},
}

var IOISchema = Schema{
	Kind:     KindIOI,
	KeyField: IOIHandle,
	Fields: []string{
		IOIHandle, IOIChange, IOIInstrumentType, IOITicker,
		IOIGoodUntil, IOIBidQuantity, IOIOfferQuantity, IOIBrokerCode,
	},
}

var (
	ErrMissingKey      = errors.New("entity key field is empty")
	ErrDuplicateEntity = errors.New("entity already published")
	ErrEntityNotFound  = errors.New("entity not found")
	ErrKeyImmutable    = errors.New("entity key field cannot change")
	ErrInvalidKey      = errors.New("entity key contains a forbidden character")
)

// UnknownFieldError is returned when an entity is asked for a field its kind
// does not carry.
type UnknownFieldError struct {
	Kind   Kind
	Entity string
	Field  string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("%s %s has no field %q", e.Kind, e.Entity, e.Field)
}

// Entity is one order or IOI.
type Entity struct {
	kind   Kind
	key    string
	names  []string
	fields map[string]*Field
}

func (e *Entity) Kind() Kind  { return e.kind }
func (e *Entity) Key() string { return e.key }

func (e *Entity) Field(name string) (*Field, error) {
	f, ok := e.fields[name]
	if !ok {
		return nil, &UnknownFieldError{Kind: e.kind, Entity: e.key, Field: name}
	}
	return f, nil
}

// Fields returns the entity's fields in schema order.
func (e *Entity) Fields() []*Field {
	out := make([]*Field, 0, len(e.names))
	for _, n := range e.names {
		out = append(out, e.fields[n])
	}
	return out
}

// Values snapshots the current field values.
func (e *Entity) Values() map[string]string {
	out := make(map[string]string, len(e.fields))
	for n, f := range e.fields {
		out[n] = f.Value()
	}
	return out
}

// Feed owns the entities of one kind.
type Feed struct {
	schema Schema

	mu        sync.RWMutex
	entities  map[string]*Entity
	order     []string
	listeners []func(*Entity)
}

func New(schema Schema) *Feed {
	return &Feed{schema: schema, entities: make(map[string]*Entity)}
}

func NewOrderFeed() *Feed { return New(OrderSchema) }

func NewIOIFeed() *Feed { return New(IOISchema) }

func (f *Feed) Kind() Kind { return f.schema.Kind }

// AddNewEntityListener subscribes fn to entity creation. Each entity is
// delivered exactly once, after it has been stored.
func (f *Feed) AddNewEntityListener(fn func(*Entity)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

// Publish creates an entity from values. Schema fields missing from values
// start empty.
func (f *Feed) Publish(values map[string]string) (*Entity, error) {
	key := values[f.schema.KeyField]
	if key == "" {
		return nil, fmt.Errorf("%s: %w: %s", f.schema.Kind, ErrMissingKey, f.schema.KeyField)
	}
	if f.schema.KeyForbidden != "" && strings.ContainsAny(key, f.schema.KeyForbidden) {
		return nil, fmt.Errorf("%s %s: %w: %q", f.schema.Kind, key, ErrInvalidKey, f.schema.KeyForbidden)
	}
	if err := f.checkFields(key, values); err != nil {
		return nil, err
	}

	e := &Entity{
		kind:   f.schema.Kind,
		key:    key,
		names:  f.schema.Fields,
		fields: make(map[string]*Field, len(f.schema.Fields)),
	}
	for _, name := range f.schema.Fields {
		e.fields[name] = newField(name, values[name])
	}

	f.mu.Lock()
	if _, exists := f.entities[key]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", f.schema.Kind, key, ErrDuplicateEntity)
	}
	f.entities[key] = e
	f.order = append(f.order, key)
	listeners := make([]func(*Entity), len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
	return e, nil
}

// Update applies field changes to an existing entity, notifying each changed
// field's listeners. Fields are applied in name order.
func (f *Feed) Update(key string, values map[string]string) error {
	e, ok := f.Entity(key)
	if !ok {
		return fmt.Errorf("%s %s: %w", f.schema.Kind, key, ErrEntityNotFound)
	}
	if err := f.checkFields(key, values); err != nil {
		return err
	}
	if v, ok := values[f.schema.KeyField]; ok && v != key {
		return fmt.Errorf("%s %s: %w", f.schema.Kind, key, ErrKeyImmutable)
	}

	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		e.fields[n].set(values[n])
	}
	return nil
}

func (f *Feed) Entity(key string) (*Entity, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entities[key]
	return e, ok
}

// Entities returns every entity in publication order.
func (f *Feed) Entities() []*Entity {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Entity, 0, len(f.order))
	for _, k := range f.order {
		out = append(out, f.entities[k])
	}
	return out
}

func (f *Feed) checkFields(key string, values map[string]string) error {
	for name := range values {
		if !f.hasField(name) {
			return &UnknownFieldError{Kind: f.schema.Kind, Entity: key, Field: name}
		}
	}
	return nil
}

func (f *Feed) hasField(name string) bool {
	for _, n := range f.schema.Fields {
		if n == name {
			return true
		}
	}
	return false
}
