// runtime/runtime.go

package runtime

import (
	"context"
	"errors"
	"fmt"
	"rgehrsitz/ioirex/internal/rules"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var ErrLoopRunning = errors.New("evaluation loop already running")

// LoopConfig configures the evaluation loop.
type LoopConfig struct {
	PollInterval time.Duration
	Logger       *zerolog.Logger
}

// LoopError reports a task that failed inside one loop iteration.
type LoopError struct {
	Message   string
	Iteration uint64
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("loop error at iteration %d: %s", e.Iteration, e.Message)
}

// Loop is the single goroutine allowed to execute rules. Other goroutines
// hand it work with Post and wake it with Signal; feed notifications only
// ever reach it through the engine's staleness notifier.
type Loop struct {
	engine   *rules.Engine
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	iteration uint64
	running   atomic.Bool
}

// NewLoop binds the loop to engine; data sets that turn stale wake it.
func NewLoop(engine *rules.Engine, cfg LoopConfig) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "loop").Logger()
	}
	l := &Loop{
		engine:   engine,
		interval: cfg.PollInterval,
		log:      logger,
		wake:     make(chan struct{}, 1),
	}
	engine.OnStale(l.Signal)
	return l
}

// Post queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	l.Signal()
}

// Signal wakes the loop without blocking. Repeated signals coalesce.
func (l *Loop) Signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is done. Each wake-up, and each poll tick,
// runs queued tasks and then re-executes every stale data set.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.log.Info().Dur("pollInterval", l.interval).Msg("Evaluation loop started")
	for {
		l.Step()
		select {
		case <-ctx.Done():
			l.log.Info().Msg("Evaluation loop stopped")
			return ctx.Err()
		case <-l.wake:
		case <-ticker.C:
		}
	}
}

// Step runs one iteration on the calling goroutine and returns how many data
// sets were re-executed. Callers must not run Step concurrently with Run.
func (l *Loop) Step() int {
	l.iteration++

	l.mu.Lock()
	tasks := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, task := range tasks {
		if err := l.runTask(task); err != nil {
			l.log.Error().Err(err).Msg("Loop task failed")
		}
	}

	executed, err := l.engine.ExecuteStale()
	if err != nil {
		l.log.Warn().Err(err).Int("executed", executed).Msg("Some stale data sets failed to evaluate")
	} else if executed > 0 {
		l.log.Debug().Int("executed", executed).Uint64("iteration", l.iteration).Msg("Stale data sets re-evaluated")
	}
	return executed
}

func (l *Loop) runTask(task func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &LoopError{Message: fmt.Sprint(r), Iteration: l.iteration}
		}
	}()
	task()
	return nil
}
