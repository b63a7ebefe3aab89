package matching

import (
	"errors"
	"fmt"
	"rgehrsitz/ioirex/internal/feed"
	"rgehrsitz/ioirex/internal/routing"
	"rgehrsitz/ioirex/internal/rules"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Poster runs work on the evaluation goroutine. runtime.Loop implements it.
type Poster interface {
	Post(fn func())
}

type fieldBinding struct {
	key   string
	field string
}

var ioiBindings = []fieldBinding{
	{KeyIOIHandle, feed.IOIHandle},
	{KeyIOIInstrumentType, feed.IOIInstrumentType},
	{KeyIOIGoodUntil, feed.IOIGoodUntil},
	{KeyIOIBidQuantity, feed.IOIBidQuantity},
	{KeyIOIOfferQuantity, feed.IOIOfferQuantity},
	{KeyIOITicker, feed.IOITicker},
	{KeyIOIBrokerCode, feed.IOIBrokerCode},
}

var orderBindings = []fieldBinding{
	{KeyOrderStatus, feed.OrderStatus},
	{KeyOrderNumber, feed.OrderSequence},
	{KeyOrderWorking, feed.OrderWorking},
	{KeyOrderAmount, feed.OrderAmount},
	{KeyOrderIdleAmount, feed.OrderIdleAmount},
	{KeyOrderTicker, feed.OrderTicker},
	{KeyOrderSide, feed.OrderSide},
	{KeyOrderAssetClass, feed.OrderAssetClass},
}

var orderStateBindings = []fieldBinding{
	{KeyOrderNumber, feed.OrderSequence},
	{KeyOrderStatus, feed.OrderStatus},
}

type pairRef struct {
	ioi   string
	order string
}

// purgedPair remembers a purged pair and the entity kind whose rule failed.
// An empty failed kind means either side may revive it.
type purgedPair struct {
	pairRef
	failed feed.Kind
}

// Builder maintains the conflict set: one data set per (IOI, order) pair,
// submitted to the matching rule set as soon as both entities are known.
// Every method except Attach's feed listeners runs on the evaluation
// goroutine.
type Builder struct {
	engine *rules.Engine
	cfg    Config
	log    zerolog.Logger
	match  *rules.RuleSet
	states *rules.RuleSet
	poster Poster

	iois      map[string]*feed.Entity
	ioiKeys   []string
	orders    map[string]*feed.Entity
	orderKeys []string
	purged    map[string]purgedPair
}

// NewBuilder creates the matching rule set (and the order-state rule set when
// enabled) on engine.
func NewBuilder(engine *rules.Engine, cfg Config, router routing.Router) (*Builder, error) {
	cfg = cfg.withDefaults()
	match, err := BuildMatchRuleSet(engine, cfg, router)
	if err != nil {
		return nil, err
	}
	b := &Builder{
		engine: engine,
		cfg:    cfg,
		log:    cfg.logger(),
		match:  match,
		iois:   make(map[string]*feed.Entity),
		orders: make(map[string]*feed.Entity),
		purged: make(map[string]purgedPair),
	}
	if cfg.TrackOrderStates {
		if b.states, err = BuildOrderStateRuleSet(engine, cfg); err != nil {
			return nil, err
		}
	}
	match.OnPurge(b.onPurge)
	return b, nil
}

func (b *Builder) RuleSet() *rules.RuleSet { return b.match }

// OrderStates returns the order-state rule set, or nil when disabled.
func (b *Builder) OrderStates() *rules.RuleSet { return b.states }

// Attach subscribes to both feeds. New entities, and those already
// published, are handed to poster so the cross-join runs on the evaluation
// goroutine. A nil poster runs the work inline.
func (b *Builder) Attach(orders, iois *feed.Feed, poster Poster) {
	b.poster = poster
	orders.AddNewEntityListener(func(e *feed.Entity) { b.post(func() { b.logErr(b.AddOrder(e)) }) })
	iois.AddNewEntityListener(func(e *feed.Entity) { b.post(func() { b.logErr(b.AddIOI(e)) }) })

	for _, e := range orders.Entities() {
		e := e // per-iteration copy; go directive lowered from 1.22.1 for the local toolchain
		b.post(func() { b.logErr(b.AddOrder(e)) })
	}
	for _, e := range iois.Entities() {
		e := e // per-iteration copy; go directive lowered from 1.22.1 for the local toolchain
		b.post(func() { b.logErr(b.AddIOI(e)) })
	}
}

// AddIOI crosses ioi with every known order. It returns the data sets it
// created; pairs that could not be built are skipped and their errors joined.
func (b *Builder) AddIOI(ioi *feed.Entity) ([]*rules.DataSet, error) {
	if _, known := b.iois[ioi.Key()]; known {
		return nil, nil
	}
	b.iois[ioi.Key()] = ioi
	b.ioiKeys = append(b.ioiKeys, ioi.Key())
	b.watch(ioi)
	b.log.Debug().Str("ioi", ioi.Key()).Int("orders", len(b.orderKeys)).Msg("IOI received")

	refs := make([]pairRef, 0, len(b.orderKeys))
	for _, seq := range b.orderKeys {
		refs = append(refs, pairRef{ioi: ioi.Key(), order: seq})
	}
	return b.submit(refs)
}

// AddOrder crosses order with every known IOI and, when order states are
// tracked, submits its single-order data set.
func (b *Builder) AddOrder(order *feed.Entity) ([]*rules.DataSet, error) {
	if _, known := b.orders[order.Key()]; known {
		return nil, nil
	}
	b.orders[order.Key()] = order
	b.orderKeys = append(b.orderKeys, order.Key())
	b.watch(order)
	b.log.Debug().Str("order", order.Key()).Int("iois", len(b.ioiKeys)).Msg("Order received")

	var errs []error
	if b.states != nil {
		if err := b.submitOrderState(order); err != nil {
			errs = append(errs, err)
		}
	}

	refs := make([]pairRef, 0, len(b.ioiKeys))
	for _, handle := range b.ioiKeys {
		refs = append(refs, pairRef{ioi: handle, order: order.Key()})
	}
	created, err := b.submit(refs)
	errs = append(errs, err)
	return created, errors.Join(errs...)
}

func (b *Builder) submit(refs []pairRef) ([]*rules.DataSet, error) {
	var errs []error
	created := make([]*rules.DataSet, 0, len(refs))
	for _, ref := range refs {
		ds, err := b.buildPair(b.iois[ref.ioi], b.orders[ref.order])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		created = append(created, ds)
		if err := b.match.Execute(ds); err != nil {
			errs = append(errs, err)
		}
	}
	return created, errors.Join(errs...)
}

// buildPair resolves every field before creating the data set so that a
// missing field leaves nothing behind.
func (b *Builder) buildPair(ioi, order *feed.Entity) (*rules.DataSet, error) {
	// The order sequence follows the last underscore of the pair id.
	if strings.Contains(order.Key(), "_") {
		return nil, fmt.Errorf("build pair for order %s: %w", order.Key(), feed.ErrInvalidKey)
	}
	id := PairID(ioi.Key(), order.Key())
	ioiFields, err := resolve(ioi, ioiBindings)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", id, err)
	}
	orderFields, err := resolve(order, orderBindings)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", id, err)
	}

	ds := b.engine.CreateDataSet(id)
	if err := addFields(ds, ioiBindings, ioiFields); err != nil {
		return nil, err
	}
	if _, err := ds.AddDataPoint(KeyIOIIsValid, rules.NewBoolFlag(false)); err != nil {
		return nil, err
	}
	if err := addFields(ds, orderBindings, orderFields); err != nil {
		return nil, err
	}
	if _, err := ds.AddDataPoint(KeyOrderIsValid, rules.NewBoolFlag(false)); err != nil {
		return nil, err
	}
	if _, err := ds.AddDataPoint(KeyRouteID, rules.NewStringFlag("")); err != nil {
		return nil, err
	}
	return ds, nil
}

func (b *Builder) submitOrderState(order *feed.Entity) error {
	id := OrderStateID(order.Key())
	fields, err := resolve(order, orderStateBindings)
	if err != nil {
		return fmt.Errorf("build %s: %w", id, err)
	}
	ds := b.engine.CreateDataSet(id)
	if err := addFields(ds, orderStateBindings, fields); err != nil {
		return err
	}
	return b.states.Execute(ds)
}

func resolve(e *feed.Entity, bindings []fieldBinding) ([]*feed.Field, error) {
	fields := make([]*feed.Field, len(bindings))
	for i, fb := range bindings {
		f, err := e.Field(fb.field)
		if err != nil {
			return nil, err
		}
		fields[i] = f
	}
	return fields, nil
}

func addFields(ds *rules.DataSet, bindings []fieldBinding, fields []*feed.Field) error {
	for i, fb := range bindings {
		if _, err := ds.AddDataPoint(fb.key, rules.NewFieldSource(fields[i])); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) onPurge(ds *rules.DataSet) {
	if !b.cfg.RebuildPurged {
		return
	}
	handle, err := ds.String(KeyIOIHandle)
	if err != nil {
		return
	}
	seq, err := ds.String(KeyOrderNumber)
	if err != nil {
		return
	}
	var failed feed.Kind
	switch ds.PurgedBy() {
	case RuleValidIOI:
		failed = feed.KindIOI
	case RuleValidOrder:
		failed = feed.KindOrder
	}
	b.purged[ds.ID()] = purgedPair{pairRef: pairRef{ioi: handle, order: seq}, failed: failed}
}

// watch subscribes to every field of e, once per entity, so that pairs purged
// because of e are rebuilt once e changes.
func (b *Builder) watch(e *feed.Entity) {
	if !b.cfg.RebuildPurged {
		return
	}
	kind, key := e.Kind(), e.Key()
	for _, f := range e.Fields() {
		f.AddChangeListener(func() { b.post(func() { b.revive(kind, key) }) })
	}
}

// revive rebuilds the purged pairs that involve the changed entity and were
// not purged because of the other side. A change on the other side cannot
// make the failing rule pass.
func (b *Builder) revive(kind feed.Kind, key string) {
	var refs []pairRef
	for id, p := range b.purged {
		if p.failed != "" && p.failed != kind {
			continue
		}
		if (kind == feed.KindIOI && p.ioi == key) || (kind == feed.KindOrder && p.order == key) {
			refs = append(refs, p.pairRef)
			delete(b.purged, id)
		}
	}
	if len(refs) == 0 {
		return
	}
	// Map iteration order is random; rebuild in feed order.
	sortRefs(refs, b.ioiKeys, b.orderKeys)
	b.log.Debug().Str("entity", key).Int("pairs", len(refs)).Msg("Rebuilding purged pairs")
	_, err := b.submit(refs)
	b.logErr(nil, err)
}

func sortRefs(refs []pairRef, ioiKeys, orderKeys []string) {
	ioiRank := make(map[string]int, len(ioiKeys))
	for i, k := range ioiKeys {
		ioiRank[k] = i
	}
	orderRank := make(map[string]int, len(orderKeys))
	for i, k := range orderKeys {
		orderRank[k] = i
	}
	sort.Slice(refs, func(i, j int) bool {
		if ioiRank[refs[i].ioi] != ioiRank[refs[j].ioi] {
			return ioiRank[refs[i].ioi] < ioiRank[refs[j].ioi]
		}
		return orderRank[refs[i].order] < orderRank[refs[j].order]
	})
}

func (b *Builder) post(fn func()) {
	if b.poster == nil {
		fn()
		return
	}
	b.poster.Post(fn)
}

func (b *Builder) logErr(_ []*rules.DataSet, err error) {
	if err != nil {
		b.log.Warn().Err(err).Msg("Conflict set update incomplete")
	}
}
