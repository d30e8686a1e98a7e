package subscriber

import (
	"context"
	"errors"
	"fmt"
	"runtime/pprof"
	"sync"
	"time"

	"ctrl-rpc/rpcerr"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultSpinTimeout = time.Second
	idleBackoff        = 100 * time.Millisecond
)

// Threaded runs SpinOnce in a dedicated goroutine until stopped.
type Threaded struct {
	sub         *Subscriber
	name        string
	spinTimeout time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ThreadedOption configures a Threaded subscriber.
type ThreadedOption func(*Threaded)

// WithName labels the goroutine (pprof label "subscriber") and its logs.
func WithName(name string) ThreadedOption {
	return func(t *Threaded) { t.name = name }
}

// WithMinInterval spaces consecutive spins at least d apart.
func WithMinInterval(d time.Duration) ThreadedOption {
	return func(t *Threaded) {
		if d > 0 {
			t.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithSpinTimeout bounds each blocking spin.
func WithSpinTimeout(d time.Duration) ThreadedOption {
	return func(t *Threaded) {
		if d > 0 {
			t.spinTimeout = d
		}
	}
}

func WithThreadLogger(l *zap.Logger) ThreadedOption {
	return func(t *Threaded) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewThreaded wraps sub. Call Start to launch the goroutine.
func NewThreaded(sub *Subscriber, opts ...ThreadedOption) *Threaded {
	t := &Threaded{
		sub:         sub,
		name:        "subscriber",
		spinTimeout: defaultSpinTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("component", "threaded-subscriber"), zap.String("thread", t.name))
	return t
}

// Subscriber returns the wrapped subscriber.
func (t *Threaded) Subscriber() *Subscriber { return t.sub }

// Start launches the spin loop.
func (t *Threaded) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return fmt.Errorf("subscriber %s already started", t.name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	go pprof.Do(ctx, pprof.Labels("subscriber", t.name), func(ctx context.Context) {
		defer close(done)
		t.run(ctx)
	})
	return nil
}

// Stop signals the loop, waits for it to exit and closes the subscriber.
func (t *Threaded) Stop() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return t.sub.Close()
}

// Running reports whether the loop goroutine is alive.
func (t *Threaded) Running() bool {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (t *Threaded) run(ctx context.Context) {
	t.logger.Debug("spin loop started")
	defer t.logger.Debug("spin loop stopped")

	timedOut := false
	for {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		result, err := t.sub.SpinOnce(ctx, t.spinTimeout, nil)
		switch {
		case err == nil:
			if result == Received {
				timedOut = false
			}
			if result == NotConfigured && !sleepCtx(ctx, idleBackoff) {
				return
			}
		case errors.Is(err, rpcerr.ErrTimeout):
			if !timedOut {
				t.logger.Warn("no feed message within spin timeout", zap.Duration("timeout", t.spinTimeout))
				timedOut = true
			}
		case errors.Is(err, rpcerr.ErrCancelled), errors.Is(err, rpcerr.ErrClosed):
			return
		default:
			t.logger.Error("spin failed", zap.Error(err))
			if !sleepCtx(ctx, idleBackoff) {
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
