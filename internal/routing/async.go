package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull    = errors.New("route queue full")
	ErrRouterClosed = errors.New("router closed")
)

// AsyncConfig sizes the worker pool behind an AsyncRouter.
type AsyncConfig struct {
	Workers    int
	QueueSize  int
	Timeout    time.Duration
	Logger     *zerolog.Logger
	Registerer prometheus.Registerer
}

// AsyncRouter hands route requests to a pool of workers so the caller never
// waits on the downstream router.
type AsyncRouter struct {
	next    Router
	timeout time.Duration
	workers int
	log     zerolog.Logger

	mu     sync.RWMutex
	queue  chan RouteRequest
	closed bool
	wg     sync.WaitGroup

	routesTotal *prometheus.CounterVec
	queueDepth  prometheus.Gauge
}

func NewAsyncRouter(next Router, cfg AsyncConfig) (*AsyncRouter, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "async-router").Logger()
	}

	a := &AsyncRouter{
		next:    next,
		timeout: cfg.Timeout,
		workers: cfg.Workers,
		log:     logger,
		queue:   make(chan RouteRequest, cfg.QueueSize),
		routesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ioirex",
			Subsystem: "routing",
			Name:      "routes_total",
			Help:      "Route requests by outcome",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ioirex",
			Subsystem: "routing",
			Name:      "queue_depth",
			Help:      "Route requests waiting for a worker",
		}),
	}

	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(a.routesTotal); err != nil {
			return nil, fmt.Errorf("register routing metrics: %w", err)
		}
		if err := cfg.Registerer.Register(a.queueDepth); err != nil {
			return nil, fmt.Errorf("register routing metrics: %w", err)
		}
	}
	return a, nil
}

// Start launches the workers. ctx supplies request-scoped values to the
// downstream router; the workers stop only once Close has drained the queue.
func (a *AsyncRouter) Start(ctx context.Context) {
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.work(ctx, i)
	}
	a.log.Info().Int("workers", a.workers).Msg("Async router started")
}

// Route enqueues req and returns immediately.
func (a *AsyncRouter) Route(_ context.Context, req RouteRequest) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.routesTotal.WithLabelValues("rejected").Inc()
		return ErrRouterClosed
	}
	select {
	case a.queue <- req:
		a.queueDepth.Set(float64(len(a.queue)))
		return nil
	default:
		a.routesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("route %s: %w", req.ID, ErrQueueFull)
	}
}

// Close stops accepting requests, drains the queue and waits for workers.
func (a *AsyncRouter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
	a.log.Info().Msg("Async router stopped")
}

// work delivers until Close closes the queue. Cancelling the start context
// does not stop it, so every accepted request is delivered.
func (a *AsyncRouter) work(ctx context.Context, id int) {
	defer a.wg.Done()
	for req := range a.queue {
		a.queueDepth.Set(float64(len(a.queue)))
		a.deliver(ctx, id, req)
	}
}

func (a *AsyncRouter) deliver(ctx context.Context, worker int, req RouteRequest) {
	defer func() {
		if r := recover(); r != nil {
			a.routesTotal.WithLabelValues("error").Inc()
			a.log.Error().Interface("panic", r).Str("routeID", req.ID.String()).Msg("Router panicked")
		}
	}()

	// Each delivery gets its own timeout, even while shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	start := time.Now()
	if err := a.next.Route(ctx, req); err != nil {
		a.routesTotal.WithLabelValues("error").Inc()
		a.log.Error().Err(err).Int("worker", worker).Str("routeID", req.ID.String()).Msg("Route failed")
		return
	}
	a.routesTotal.WithLabelValues("ok").Inc()
	a.log.Debug().Int("worker", worker).Str("routeID", req.ID.String()).Dur("latency", time.Since(start)).Msg("Route delivered")
}
