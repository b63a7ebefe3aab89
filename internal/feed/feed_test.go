package feed

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_PublishNotifiesOnce(t *testing.T) {
	f := NewOrderFeed()
	var seen []string
	f.AddNewEntityListener(func(e *Entity) { seen = append(seen, e.Key()) })

	e, err := f.Publish(map[string]string{OrderSequence: "1001", OrderSide: "BUY"})
	require.NoError(t, err)
	assert.Equal(t, KindOrder, e.Kind())
	assert.Equal(t, []string{"1001"}, seen)

	_, err = f.Publish(map[string]string{OrderSequence: "1001"})
	assert.True(t, errors.Is(err, ErrDuplicateEntity))
	assert.Equal(t, []string{"1001"}, seen, "duplicates must not be re-delivered")

	side, err := e.Field(OrderSide)
	require.NoError(t, err)
	assert.Equal(t, "BUY", side.Value())

	ticker, err := e.Field(OrderTicker)
	require.NoError(t, err)
	assert.Equal(t, "", ticker.Value(), "schema fields default to empty")
}

func TestFeed_PublishValidation(t *testing.T) {
	f := NewIOIFeed()

	_, err := f.Publish(map[string]string{IOIInstrumentType: "stock"})
	assert.True(t, errors.Is(err, ErrMissingKey))

	_, err = f.Publish(map[string]string{IOIHandle: "ioi-1", "EMSX_SIDE": "BUY"})
	var unknown *UnknownFieldError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "EMSX_SIDE", unknown.Field)
	assert.Empty(t, f.Entities())
}

func TestEntity_UnknownField(t *testing.T) {
	f := NewIOIFeed()
	e, err := f.Publish(map[string]string{IOIHandle: "ioi-1"})
	require.NoError(t, err)

	_, err = e.Field("EMSX_IDLE_AMOUNT")
	var unknown *UnknownFieldError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, KindIOI, unknown.Kind)
	assert.Equal(t, "ioi-1", unknown.Entity)
}

func TestFeed_UpdateTracksPreviousValueAndNotifies(t *testing.T) {
	f := NewOrderFeed()
	e, err := f.Publish(map[string]string{OrderSequence: "7", OrderIdleAmount: "100"})
	require.NoError(t, err)

	idle, err := e.Field(OrderIdleAmount)
	require.NoError(t, err)
	calls := 0
	idle.AddChangeListener(func() { calls++ })

	require.NoError(t, f.Update("7", map[string]string{OrderIdleAmount: "100"}))
	assert.Equal(t, 0, calls, "unchanged values do not notify")

	require.NoError(t, f.Update("7", map[string]string{OrderIdleAmount: "60"}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "60", idle.Value())
	assert.Equal(t, "100", idle.PreviousValue())

	require.NoError(t, f.Update("7", map[string]string{OrderIdleAmount: "0"}))
	assert.Equal(t, "60", idle.PreviousValue())
}

func TestField_RemoveListener(t *testing.T) {
	f := NewOrderFeed()
	e, err := f.Publish(map[string]string{OrderSequence: "7", OrderIdleAmount: "100"})
	require.NoError(t, err)
	idle, err := e.Field(OrderIdleAmount)
	require.NoError(t, err)

	var first, second int
	removeFirst := idle.AddChangeListener(func() { first++ })
	idle.AddChangeListener(func() { second++ })
	assert.Equal(t, 2, idle.ListenerCount())

	removeFirst()
	removeFirst()
	assert.Equal(t, 1, idle.ListenerCount())

	require.NoError(t, f.Update("7", map[string]string{OrderIdleAmount: "50"}))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestFeed_OrderKeyRejectsUnderscore(t *testing.T) {
	f := NewOrderFeed()
	_, err := f.Publish(map[string]string{OrderSequence: "1_2"})
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.Empty(t, f.Entities())

	// IOI handles are free-form.
	_, err = NewIOIFeed().Publish(map[string]string{IOIHandle: "A_1"})
	assert.NoError(t, err)
}

func TestFeed_UpdateErrors(t *testing.T) {
	f := NewOrderFeed()
	_, err := f.Publish(map[string]string{OrderSequence: "7"})
	require.NoError(t, err)

	assert.True(t, errors.Is(f.Update("8", nil), ErrEntityNotFound))
	assert.True(t, errors.Is(f.Update("7", map[string]string{OrderSequence: "9"}), ErrKeyImmutable))

	var unknown *UnknownFieldError
	assert.ErrorAs(t, f.Update("7", map[string]string{"bogus": "1"}), &unknown)
}

func TestSeed_Publish(t *testing.T) {
	seed, err := ParseSeed([]byte(`
orders:
  - EMSX_SEQUENCE: "1001"
    EMSX_ASSET_CLASS: Equity
    EMSX_SIDE: BUY
    EMSX_IDLE_AMOUNT: "100"
iois:
  - id_value: ioi-1
    ioi_instrument_type: stock
    ioi_bid_size_quantity: "150"
`))
	require.NoError(t, err)

	orders, iois := NewOrderFeed(), NewIOIFeed()
	require.NoError(t, seed.Publish(orders, iois))

	require.Len(t, orders.Entities(), 1)
	require.Len(t, iois.Entities(), 1)
	assert.Equal(t, "Equity", orders.Entities()[0].Values()[OrderAssetClass])
	assert.Equal(t, "150", iois.Entities()[0].Values()[IOIBidQuantity])
}
