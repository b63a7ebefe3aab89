package matching

import (
	"rgehrsitz/ioirex/internal/rules"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// IsInstrumentType holds when the IOI's instrument type equals want.
func IsInstrumentType(want string) rules.Evaluator {
	return rules.MustCompare(KeyIOIInstrumentType, rules.OperatorEqual, want)
}

// IOINotExpired holds while the IOI's good-until time is in the future.
func IOINotExpired(now func() time.Time) rules.Evaluator {
	return rules.Condition("IOINotExpired", []string{KeyIOIGoodUntil}, func(ds *rules.DataSet) (bool, error) {
		goodUntil, err := ds.Time(KeyIOIGoodUntil)
		if err != nil {
			return false, err
		}
		return goodUntil.After(now()), nil
	})
}

// IsAssetClass holds when the order's asset class equals want.
func IsAssetClass(want string) rules.Evaluator {
	return rules.MustCompare(KeyOrderAssetClass, rules.OperatorEqual, want)
}

// BothValid holds once ValidIOI and ValidOrder have asserted their flags.
func BothValid() rules.Evaluator {
	return rules.Condition("BothValid", []string{KeyIOIIsValid, KeyOrderIsValid}, func(ds *rules.DataSet) (bool, error) {
		ioiValid, err := ds.Bool(KeyIOIIsValid)
		if err != nil {
			return false, err
		}
		orderValid, err := ds.Bool(KeyOrderIsValid)
		if err != nil {
			return false, err
		}
		return ioiValid && orderValid, nil
	})
}

// SideQuantityCompatible holds when the IOI shows more than the order's idle
// amount on the side the order needs: bid quantity for buy orders, offer
// quantity for sell orders.
func SideQuantityCompatible() rules.Evaluator {
	deps := []string{KeyOrderSide, KeyOrderIdleAmount, KeyIOIBidQuantity, KeyIOIOfferQuantity}
	return rules.Condition("SideQuantityCompatible", deps, func(ds *rules.DataSet) (bool, error) {
		idle, err := ds.Decimal(KeyOrderIdleAmount)
		if err != nil {
			return false, err
		}
		if !idle.IsPositive() {
			return false, nil
		}
		available, ok, err := ioiQuantityForSide(ds)
		if err != nil || !ok {
			return false, err
		}
		return available.GreaterThan(idle), nil
	})
}

// TickersMatch holds when the IOI and the order name the same security.
func TickersMatch() rules.Evaluator {
	return rules.Condition("TickersMatch", []string{KeyIOITicker, KeyOrderTicker}, func(ds *rules.DataSet) (bool, error) {
		ioiTicker, err := ds.String(KeyIOITicker)
		if err != nil {
			return false, err
		}
		orderTicker, err := ds.String(KeyOrderTicker)
		if err != nil {
			return false, err
		}
		ioiTicker = strings.TrimSpace(ioiTicker)
		return ioiTicker != "" && strings.EqualFold(ioiTicker, strings.TrimSpace(orderTicker)), nil
	})
}

// ioiQuantityForSide reads the IOI quantity facing the order's side. ok is
// false for sides that cannot be matched.
func ioiQuantityForSide(ds *rules.DataSet) (decimal.Decimal, bool, error) {
	side, err := ds.String(KeyOrderSide)
	if err != nil {
		return decimal.Zero, false, err
	}
	key := ""
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case "BUY", "B":
		key = KeyIOIBidQuantity
	case "SELL", "S", "SHRT", "SS":
		key = KeyIOIOfferQuantity
	default:
		return decimal.Zero, false, nil
	}
	// One-sided IOIs leave the other quantity blank.
	raw, err := ds.String(key)
	if err != nil {
		return decimal.Zero, false, err
	}
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, true, nil
	}
	qty, err := ds.Decimal(key)
	if err != nil {
		return decimal.Zero, false, err
	}
	return qty, true, nil
}
