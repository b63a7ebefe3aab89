package matching

import (
	"context"
	"fmt"
	"rgehrsitz/ioirex/internal/routing"
	"rgehrsitz/ioirex/internal/rules"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RouteAction routes a matched order's quantity to the broker that issued the
// IOI. It routes each pair at most once, remembering the route id in the
// routeID flag.
type RouteAction struct {
	router  routing.Router
	now     func() time.Time
	timeout time.Duration
	log     zerolog.Logger
}

// NewRouteAction bounds every Route call by timeout.
func NewRouteAction(router routing.Router, now func() time.Time, timeout time.Duration, logger zerolog.Logger) *RouteAction {
	return &RouteAction{router: router, now: now, timeout: timeout, log: logger}
}

func (a *RouteAction) Execute(x *rules.Execution) error {
	ds := x.DataSet
	routed, err := ds.Flag(KeyRouteID)
	if err != nil {
		return err
	}
	if id, _ := routed.Value().(string); id != "" {
		a.log.Debug().Str("dataSet", ds.ID()).Str("routeID", id).Msg("Pair already routed")
		return nil
	}

	req, err := a.request(ds)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.router.Route(ctx, req); err != nil {
		return fmt.Errorf("route order %s to %s: %w", req.OrderSequence, req.Broker, err)
	}
	routed.SetValue(req.ID.String())

	a.log.Info().
		Str("dataSet", ds.ID()).
		Str("routeID", req.ID.String()).
		Str("order", req.OrderSequence).
		Str("ioi", req.IOIHandle).
		Str("amount", req.Amount.String()).
		Str("broker", req.Broker).
		Msg("IOI matched, route requested")
	return nil
}

func (a *RouteAction) request(ds *rules.DataSet) (routing.RouteRequest, error) {
	var req routing.RouteRequest
	strs := []struct {
		key string
		dst *string
	}{
		{KeyOrderNumber, &req.OrderSequence},
		{KeyOrderTicker, &req.Ticker},
		{KeyOrderSide, &req.Side},
		{KeyIOIBrokerCode, &req.Broker},
		{KeyIOIHandle, &req.IOIHandle},
	}
	for _, s := range strs {
		v, err := ds.String(s.key)
		if err != nil {
			return req, err
		}
		*s.dst = v
	}

	idle, err := ds.Decimal(KeyOrderIdleAmount)
	if err != nil {
		return req, err
	}
	available, _, err := ioiQuantityForSide(ds)
	if err != nil {
		return req, err
	}

	req.ID = uuid.New()
	req.DataSet = ds.ID()
	req.Amount = decimal.Min(idle, available)
	req.CreatedAt = a.now()
	return req, nil
}

// ShowOrderState logs an order's state under label.
func ShowOrderState(label string, logger zerolog.Logger) rules.Executor {
	return rules.ExecutorFunc(func(x *rules.Execution) error {
		seq, err := x.DataSet.String(KeyOrderNumber)
		if err != nil {
			return err
		}
		status, err := x.DataSet.String(KeyOrderStatus)
		if err != nil {
			return err
		}
		logger.Info().Str("order", seq).Str("status", status).Msg(label)
		return nil
	})
}
