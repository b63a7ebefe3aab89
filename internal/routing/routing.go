// Package routing carries route requests produced by matched IOIs to the
// order management collaborator.
package routing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RouteRequest asks for Amount of an order to be routed to Broker.
type RouteRequest struct {
	ID            uuid.UUID
	DataSet       string
	OrderSequence string
	Ticker        string
	Side          string
	Amount        decimal.Decimal
	Broker        string
	IOIHandle     string
	CreatedAt     time.Time
}

// Router delivers route requests. Implementations used from the evaluation
// goroutine must not block.
type Router interface {
	Route(ctx context.Context, req RouteRequest) error
}

// LogRouter is a paper router: it logs and remembers each request without
// contacting a broker.
type LogRouter struct {
	log zerolog.Logger

	mu     sync.Mutex
	routes []RouteRequest
}

func NewLogRouter(logger zerolog.Logger) *LogRouter {
	return &LogRouter{log: logger.With().Str("component", "router").Logger()}
}

func (r *LogRouter) Route(_ context.Context, req RouteRequest) error {
	r.mu.Lock()
	r.routes = append(r.routes, req)
	r.mu.Unlock()

	r.log.Info().
		Str("routeID", req.ID.String()).
		Str("order", req.OrderSequence).
		Str("ticker", req.Ticker).
		Str("side", req.Side).
		Str("amount", req.Amount.String()).
		Str("broker", req.Broker).
		Str("ioi", req.IOIHandle).
		Msg("Route created")
	return nil
}

// Routes returns a copy of the requests seen so far.
func (r *LogRouter) Routes() []RouteRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RouteRequest, len(r.routes))
	copy(out, r.routes)
	return out
}
