package matching

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"rgehrsitz/ioirex/internal/feed"
	"rgehrsitz/ioirex/internal/routing"
	"rgehrsitz/ioirex/internal/rules"
	"rgehrsitz/ioirex/internal/runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *rules.Engine
	router  *routing.LogRouter
	builder *Builder
	orders  *feed.Feed
	iois    *feed.Feed
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	e, err := rules.NewEngine(rules.EngineConfig{})
	require.NoError(t, err)
	router := routing.NewLogRouter(zerolog.Nop())
	cfg.Now = func() time.Time { return testNow }
	b, err := NewBuilder(e, cfg, router)
	require.NoError(t, err)
	return &fixture{engine: e, router: router, builder: b, orders: feed.NewOrderFeed(), iois: feed.NewIOIFeed()}
}

func orderValues(seq, side, idle string) map[string]string {
	return map[string]string{
		feed.OrderSequence:   seq,
		feed.OrderStatus:     StatusNew,
		feed.OrderWorking:    "0",
		feed.OrderAmount:     idle,
		feed.OrderIdleAmount: idle,
		feed.OrderTicker:     "IBM US Equity",
		feed.OrderSide:       side,
		feed.OrderAssetClass: "Equity",
	}
}

func ioiValues(handle, instrument, bid, offer string, goodUntil time.Time) map[string]string {
	return map[string]string{
		feed.IOIHandle:         handle,
		feed.IOIChange:         "NEW",
		feed.IOIInstrumentType: instrument,
		feed.IOITicker:         "IBM US Equity",
		feed.IOIGoodUntil:      goodUntil.Format(time.RFC3339),
		feed.IOIBidQuantity:    bid,
		feed.IOIOfferQuantity:  offer,
		feed.IOIBrokerCode:     "GSCO",
	}
}

func (f *fixture) addOrder(t *testing.T, values map[string]string) []*rules.DataSet {
	t.Helper()
	e, err := f.orders.Publish(values)
	require.NoError(t, err)
	created, err := f.builder.AddOrder(e)
	require.NoError(t, err)
	return created
}

func (f *fixture) addIOI(t *testing.T, values map[string]string) []*rules.DataSet {
	t.Helper()
	e, err := f.iois.Publish(values)
	require.NoError(t, err)
	created, err := f.builder.AddIOI(e)
	require.NoError(t, err)
	return created
}

func flagValue(t *testing.T, ds *rules.DataSet, key string) any {
	t.Helper()
	f, err := ds.Flag(key)
	require.NoError(t, err)
	return f.Value()
}

func TestBuilder_MatchRoutesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Empty(t, f.addOrder(t, orderValues("1", "BUY", "100")))
	created := f.addIOI(t, ioiValues("IOI1", "stock", "150", "", testNow.Add(time.Hour)))
	require.Len(t, created, 1)
	ds := created[0]
	assert.Equal(t, "DS_PAIR_IOI1_1", ds.ID())

	routes := f.router.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "1", routes[0].OrderSequence)
	assert.Equal(t, "GSCO", routes[0].Broker)
	assert.Equal(t, "IOI1", routes[0].IOIHandle)
	assert.True(t, routes[0].Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, testNow, routes[0].CreatedAt)

	assert.Equal(t, true, flagValue(t, ds, KeyIOIIsValid))
	assert.Equal(t, true, flagValue(t, ds, KeyOrderIsValid))
	assert.Equal(t, routes[0].ID.String(), flagValue(t, ds, KeyRouteID))
	assert.False(t, ds.Stale(), "flags asserted during a pass are consumed by it")

	// Re-running the pair does not route it again.
	require.NoError(t, f.builder.RuleSet().Execute(ds))
	assert.Len(t, f.router.Routes(), 1)
}

func TestBuilder_InsufficientSizeDoesNotRoute(t *testing.T) {
	f := newFixture(t, Config{})
	f.addOrder(t, orderValues("1", "BUY", "200"))
	created := f.addIOI(t, ioiValues("IOI1", "stock", "150", "", testNow.Add(time.Hour)))
	require.Len(t, created, 1)

	assert.Empty(t, f.router.Routes())
	assert.False(t, created[0].Purged(), "an unmatched pair stays registered")
	assert.Equal(t, "", flagValue(t, created[0], KeyRouteID))
}

func TestBuilder_SellMatchesOfferSide(t *testing.T) {
	f := newFixture(t, Config{})
	f.addOrder(t, orderValues("1", "SELL", "100"))
	f.addOrder(t, orderValues("2", "BUY", "100"))
	f.addIOI(t, ioiValues("IOI1", "stock", "", "500", testNow.Add(time.Hour)))

	routes := f.router.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "1", routes[0].OrderSequence)
}

func TestBuilder_InvalidIOIPurgesPair(t *testing.T) {
	for name, values := range map[string]map[string]string{
		"bond":    ioiValues("IOI1", "bond", "150", "", testNow.Add(time.Hour)),
		"expired": ioiValues("IOI1", "stock", "150", "", testNow.Add(-time.Minute)),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.addOrder(t, orderValues("1", "BUY", "100"))
			created := f.addIOI(t, values)
			require.Len(t, created, 1)
			ds := created[0]

			assert.True(t, ds.Purged())
			assert.Equal(t, false, flagValue(t, ds, KeyIOIIsValid))
			assert.Equal(t, false, flagValue(t, ds, KeyOrderIsValid), "the pass stops after the purging rule")
			_, found := f.builder.RuleSet().DataSet(ds.ID())
			assert.False(t, found)
			assert.ErrorIs(t, f.engine.ExecuteByID(f.builder.RuleSet().Name(), ds.ID()), rules.ErrDataSetNotFound)
			assert.ErrorIs(t, f.builder.RuleSet().Execute(ds), rules.ErrDataSetPurged)
			assert.Empty(t, f.router.Routes())
		})
	}
}

func TestBuilder_InvalidOrderPurgesPair(t *testing.T) {
	f := newFixture(t, Config{})
	values := orderValues("1", "BUY", "100")
	values[feed.OrderAssetClass] = "Fixed Income"
	f.addOrder(t, values)
	created := f.addIOI(t, ioiValues("IOI1", "stock", "150", "", testNow.Add(time.Hour)))
	require.Len(t, created, 1)

	assert.True(t, created[0].Purged())
	assert.Equal(t, true, flagValue(t, created[0], KeyIOIIsValid))
	assert.Empty(t, f.router.Routes())
}

func TestBuilder_OneDataSetPerOrder(t *testing.T) {
	f := newFixture(t, Config{})
	const n = 5
	for i := 1; i <= n; i++ {
		f.addOrder(t, orderValues(fmt.Sprint(i), "BUY", "500"))
	}
	created := f.addIOI(t, ioiValues("IOI1", "stock", "150", "", testNow.Add(time.Hour)))
	require.Len(t, created, n)
	for i, ds := range created {
		assert.Equal(t, PairID("IOI1", fmt.Sprint(i+1)), ds.ID())
	}
	assert.Len(t, f.builder.RuleSet().DataSets(), n)

	// A later order is crossed with the known IOI.
	assert.Len(t, f.addOrder(t, orderValues("6", "BUY", "500")), 1)
	assert.Len(t, f.builder.RuleSet().DataSets(), n+1)
}

func TestBuilder_UnknownFieldAbortsOnlyThatPair(t *testing.T) {
	f := newFixture(t, Config{})
	f.addOrder(t, orderValues("1", "BUY", "100"))

	thin := feed.New(feed.Schema{
		Kind:     feed.KindIOI,
		KeyField: feed.IOIHandle,
		Fields:   []string{feed.IOIHandle, feed.IOIInstrumentType},
	})
	broken, err := thin.Publish(map[string]string{feed.IOIHandle: "BAD", feed.IOIInstrumentType: "stock"})
	require.NoError(t, err)

	created, err := f.builder.AddIOI(broken)
	assert.Empty(t, created)
	var unknown *feed.UnknownFieldError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "BAD", unknown.Entity)
	assert.Empty(t, f.builder.RuleSet().DataSets())

	assert.Len(t, f.addIOI(t, ioiValues("IOI1", "stock", "150", "", testNow.Add(time.Hour))), 1)
	assert.Len(t, f.router.Routes(), 1)
}

func TestBuilder_DuplicateEntitiesAreIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	f.addOrder(t, orderValues("1", "BUY", "100"))
	ioi, err := f.iois.Publish(ioiValues("IOI1", "stock", "150", "", testNow.Add(time.Hour)))
	require.NoError(t, err)

	first, err := f.builder.AddIOI(ioi)
	require.NoError(t, err)
	assert.Len(t, first, 1)
	again, err := f.builder.AddIOI(ioi)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestBuilder_TickerMatching(t *testing.T) {
	f := newFixture(t, Config{MatchTicker: true})
	values := orderValues("1", "BUY", "100")
	values[feed.OrderTicker] = "MSFT US Equity"
	f.addOrder(t, values)
	f.addOrder(t, orderValues("2", "BUY", "100"))
	f.addIOI(t, ioiValues("IOI1", "stock", "150", "", testNow.Add(time.Hour)))

	routes := f.router.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "2", routes[0].OrderSequence)
}

func TestBuilder_RebuildsPurgedPairWhenEntityChanges(t *testing.T) {
	f := newFixture(t, Config{RebuildPurged: true})
	f.addOrder(t, orderValues("1", "BUY", "100"))
	created := f.addIOI(t, ioiValues("IOI1", "stock", "150", "", testNow.Add(-time.Hour)))
	require.Len(t, created, 1)
	require.True(t, created[0].Purged())

	require.NoError(t, f.iois.Update("IOI1", map[string]string{
		feed.IOIGoodUntil: testNow.Add(time.Hour).Format(time.RFC3339),
	}))

	rebuilt, ok := f.builder.RuleSet().DataSet(PairID("IOI1", "1"))
	require.True(t, ok)
	assert.NotSame(t, created[0], rebuilt)
	assert.False(t, rebuilt.Purged())
	assert.Len(t, f.router.Routes(), 1)
}

func TestBuilder_PurgedPairStaysPurgedWithoutRebuild(t *testing.T) {
	f := newFixture(t, Config{})
	f.addOrder(t, orderValues("1", "BUY", "100"))
	f.addIOI(t, ioiValues("IOI1", "stock", "150", "", testNow.Add(-time.Hour)))

	require.NoError(t, f.iois.Update("IOI1", map[string]string{
		feed.IOIGoodUntil: testNow.Add(time.Hour).Format(time.RFC3339),
	}))
	_, ok := f.builder.RuleSet().DataSet(PairID("IOI1", "1"))
	assert.False(t, ok)
	assert.Empty(t, f.router.Routes())
}

func TestBuilder_OrderStates(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	f := newFixture(t, Config{TrackOrderStates: true, Logger: &logger})
	require.NotNil(t, f.builder.OrderStates())

	f.addOrder(t, orderValues("7", "BUY", "100"))
	ds, ok := f.builder.OrderStates().DataSet(OrderStateID("7"))
	require.True(t, ok)
	assert.Equal(t, "DS_OR_7", ds.ID())
	assert.Contains(t, buf.String(), `"message":"New order"`)
	assert.Contains(t, buf.String(), `"order":"7"`)

	buf.Reset()
	require.NoError(t, f.orders.Update("7", map[string]string{feed.OrderStatus: StatusWorking}))
	n, err := f.engine.ExecuteStale()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the order-state data set depends on a changed field and no IOI exists")
	assert.Contains(t, buf.String(), `"message":"Order working"`)
}

func TestBuilder_AttachCrossesExistingAndNewEntities(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.orders.Publish(orderValues("1", "BUY", "100"))
	require.NoError(t, err)

	f.builder.Attach(f.orders, f.iois, nil)
	_, err = f.iois.Publish(ioiValues("IOI1", "stock", "150", "", testNow.Add(time.Hour)))
	require.NoError(t, err)

	_, ok := f.builder.RuleSet().DataSet(PairID("IOI1", "1"))
	assert.True(t, ok)
	assert.Len(t, f.router.Routes(), 1)
}

func TestSideQuantityCompatible(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		side := rapid.SampledFrom([]string{"BUY", "B", "SELL", "S", "SHRT", "SS", "CROSS", ""}).Draw(t, "side")
		idle := rapid.IntRange(-10, 500).Draw(t, "idle")
		bid := rapid.IntRange(0, 500).Draw(t, "bid")
		offer := rapid.IntRange(0, 500).Draw(t, "offer")

		e, err := rules.NewEngine(rules.EngineConfig{})
		if err != nil {
			t.Fatal(err)
		}
		ds := e.CreateDataSet("prop")
		for key, v := range map[string]string{
			KeyOrderSide:        side,
			KeyOrderIdleAmount:  fmt.Sprint(idle),
			KeyIOIBidQuantity:   fmt.Sprint(bid),
			KeyIOIOfferQuantity: fmt.Sprint(offer),
		} {
			if _, err := ds.AddDataPoint(key, rules.NewStringFlag(v)); err != nil {
				t.Fatal(err)
			}
		}

		var want bool
		switch side {
		case "BUY", "B":
			want = idle > 0 && bid > idle
		case "SELL", "S", "SHRT", "SS":
			want = idle > 0 && offer > idle
		}

		got, err := SideQuantityCompatible().Evaluate(ds)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("side %q idle %d bid %d offer %d: got %v, want %v", side, idle, bid, offer, got, want)
		}
	})
}

func TestIOINotExpired(t *testing.T) {
	e, err := rules.NewEngine(rules.EngineConfig{})
	require.NoError(t, err)
	until := rules.NewStringFlag(testNow.Format(time.RFC3339))
	ds := e.CreateDataSet("expiry")
	_, err = ds.AddDataPoint(KeyIOIGoodUntil, until)
	require.NoError(t, err)

	cond := IOINotExpired(func() time.Time { return testNow })
	ok, err := cond.Evaluate(ds)
	require.NoError(t, err)
	assert.False(t, ok, "an IOI good until now has expired")

	until.SetValue(testNow.Add(time.Second).Format(time.RFC3339))
	ok, err = cond.Evaluate(ds)
	require.NoError(t, err)
	assert.True(t, ok)

	until.SetValue("tomorrow")
	_, err = cond.Evaluate(ds)
	var resErr *rules.DataPointResolutionError
	assert.True(t, errors.As(err, &resErr))
}

// onLoop runs fn on the loop goroutine and waits for its result.
func onLoop[T any](l *runtime.Loop, fn func() T) T {
	ch := make(chan T, 1)
	l.Post(func() { ch <- fn() })
	return <-ch
}

func TestBuilder_LoopReEvaluatesOnFeedChange(t *testing.T) {
	f := newFixture(t, Config{})
	loop := runtime.NewLoop(f.engine, runtime.LoopConfig{PollInterval: time.Hour})
	f.builder.Attach(f.orders, f.iois, loop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	_, err := f.orders.Publish(orderValues("1", "BUY", "200"))
	require.NoError(t, err)
	_, err = f.iois.Publish(ioiValues("IOI1", "stock", "150", "", testNow.Add(time.Hour)))
	require.NoError(t, err)

	registered := onLoop(loop, func() int { return len(f.builder.RuleSet().DataSets()) })
	assert.Equal(t, 1, registered)
	assert.Empty(t, f.router.Routes())

	require.NoError(t, f.orders.Update("1", map[string]string{feed.OrderIdleAmount: "100"}))
	require.Eventually(t, func() bool { return len(f.router.Routes()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.orders.Update("1", map[string]string{feed.OrderIdleAmount: "50"}))
	staleAfter := onLoop(loop, func() bool {
		ds, _ := f.builder.RuleSet().DataSet(PairID("IOI1", "1"))
		loop.Step()
		return ds.Stale()
	})
	assert.False(t, staleAfter)
	assert.Len(t, f.router.Routes(), 1, "a routed pair is not routed again")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBuilder_OrderPurgedPairIgnoresIOIUpdates(t *testing.T) {
	f := newFixture(t, Config{RebuildPurged: true})
	order := orderValues("1", "BUY", "100")
	order[feed.OrderAssetClass] = "Fixed Income"
	f.addOrder(t, order)
	created := f.addIOI(t, ioiValues("IOI1", "stock", "150", "", testNow.Add(time.Hour)))
	require.Len(t, created, 1)
	require.True(t, created[0].Purged())
	assert.Equal(t, RuleValidOrder, created[0].PurgedBy())

	ioi, ok := f.iois.Entity("IOI1")
	require.True(t, ok)
	bid, err := ioi.Field(feed.IOIBidQuantity)
	require.NoError(t, err)
	listeners := bid.ListenerCount()

	for i := 0; i < 100; i++ {
		require.NoError(t, f.iois.Update("IOI1", map[string]string{
			feed.IOIBidQuantity: fmt.Sprint(200 + i),
		}))
	}
	assert.Equal(t, listeners, bid.ListenerCount())
	assert.Empty(t, f.builder.RuleSet().DataSets())
	assert.Empty(t, f.router.Routes())

	// Fixing the order side brings the pair back.
	require.NoError(t, f.orders.Update("1", map[string]string{feed.OrderAssetClass: "Equity"}))
	rebuilt, ok := f.builder.RuleSet().DataSet(PairID("IOI1", "1"))
	require.True(t, ok)
	assert.False(t, rebuilt.Purged())
	assert.Len(t, f.router.Routes(), 1)
}

func TestBuilder_IOIPurgedPairIgnoresOrderUpdates(t *testing.T) {
	f := newFixture(t, Config{RebuildPurged: true})
	f.addOrder(t, orderValues("1", "BUY", "100"))
	created := f.addIOI(t, ioiValues("IOI1", "stock", "150", "", testNow.Add(-time.Hour)))
	require.Len(t, created, 1)
	require.Equal(t, RuleValidIOI, created[0].PurgedBy())

	require.NoError(t, f.orders.Update("1", map[string]string{feed.OrderIdleAmount: "90"}))
	_, ok := f.builder.RuleSet().DataSet(PairID("IOI1", "1"))
	assert.False(t, ok)

	require.NoError(t, f.iois.Update("IOI1", map[string]string{
		feed.IOIGoodUntil: testNow.Add(time.Hour).Format(time.RFC3339),
	}))
	_, ok = f.builder.RuleSet().DataSet(PairID("IOI1", "1"))
	assert.True(t, ok)
	assert.Len(t, f.router.Routes(), 1)
}

func TestBuilder_PairIDsWithUnderscoreHandles(t *testing.T) {
	f := newFixture(t, Config{})
	f.addOrder(t, orderValues("2", "BUY", "100"))
	created := f.addIOI(t, ioiValues("A_1", "stock", "150", "", testNow.Add(time.Hour)))
	require.Len(t, created, 1)
	assert.Equal(t, "DS_PAIR_A_1_2", created[0].ID())
	assert.Len(t, f.router.Routes(), 1)
}

func TestBuilder_RejectsOrderKeyWithUnderscore(t *testing.T) {
	f := newFixture(t, Config{})
	f.addIOI(t, ioiValues("IOI1", "stock", "150", "", testNow.Add(time.Hour)))

	// A feed without the key restriction lets the entity through to the builder.
	orders := feed.New(feed.Schema{Kind: feed.KindOrder, KeyField: feed.OrderSequence, Fields: feed.OrderSchema.Fields})
	e, err := orders.Publish(orderValues("1_2", "BUY", "100"))
	require.NoError(t, err)

	_, err = f.builder.AddOrder(e)
	assert.ErrorIs(t, err, feed.ErrInvalidKey)
	assert.Empty(t, f.builder.RuleSet().DataSets())
	assert.Empty(t, f.router.Routes())
}

type blockingRouter struct{}

func (blockingRouter) Route(ctx context.Context, _ routing.RouteRequest) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBuilder_RouteTimesOut(t *testing.T) {
	e, err := rules.NewEngine(rules.EngineConfig{})
	require.NoError(t, err)
	b, err := NewBuilder(e, Config{
		RouteTimeout: 10 * time.Millisecond,
		Now:          func() time.Time { return testNow },
	}, blockingRouter{})
	require.NoError(t, err)

	order, err := feed.NewOrderFeed().Publish(orderValues("1", "BUY", "100"))
	require.NoError(t, err)
	_, err = b.AddOrder(order)
	require.NoError(t, err)

	ioi, err := feed.NewIOIFeed().Publish(ioiValues("IOI1", "stock", "150", "", testNow.Add(time.Hour)))
	require.NoError(t, err)
	_, err = b.AddIOI(ioi)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ds, ok := b.RuleSet().DataSet(PairID("IOI1", "1"))
	require.True(t, ok)
	assert.Equal(t, "", flagValue(t, ds, KeyRouteID), "a failed route is retried on the next pass")
}
