// Package poller runs a fetch/decide/reschedule loop against one target at a time.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FetchFunc loads the resource for key with token.
type FetchFunc[K comparable, T any] func(ctx context.Context, token string, key K) (T, error)

// Result is delivered to OnResult after every fetch of the current target.
type Result[K comparable, T any] struct {
	Key   K
	Value T
	Err   error
	At    time.Time
}

// Config describes one poller instance.
type Config[K comparable, T any] struct {
	Name     string
	Fetch    FetchFunc[K, T]
	Continue func(T) bool
	Interval time.Duration
	OnResult func(Result[K, T])
	Logger   *zap.Logger
}

type target[K comparable] struct {
	token  string
	key    K
	active bool
}

// Poller fetches immediately when its target changes and then once per
// Interval while Continue holds. A failed fetch ends the cycle; recovery
// needs a new target or Refresh. Control calls never block: the latest
// request wins and Run picks it up.
type Poller[K comparable, T any] struct {
	cfg Config[K, T]
	log *zap.Logger

	mu     sync.Mutex
	target target[K]
	gen    uint64
	busy   bool
	wake   chan struct{}
}

// New builds a Poller. Call Run to start it.
func New[K comparable, T any](cfg Config[K, T]) *Poller[K, T] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Continue == nil {
		cfg.Continue = func(T) bool { return false }
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Poller[K, T]{
		cfg:  cfg,
		log:  logger.Named("poller").With(zap.String("poller", cfg.Name)),
		wake: make(chan struct{}, 1),
	}
}

// Watch points the poller at (token, key). It triggers an immediate fetch
// unless the poller is already cycling on that exact target, and reports
// whether it did.
func (p *Poller[K, T]) Watch(token string, key K) bool {
	p.mu.Lock()
	if p.busy && p.target.active && p.target.token == token && p.target.key == key {
		p.mu.Unlock()
		return false
	}
	p.target = target[K]{token: token, key: key, active: true}
	p.restartLocked()
	p.mu.Unlock()
	return true
}

// Refresh forces an immediate fetch of the current target, even if idle
// after a failure or after Continue returned false.
func (p *Poller[K, T]) Refresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.target.active {
		return false
	}
	p.restartLocked()
	return true
}

// Idle drops the target and cancels any pending timer or in-flight fetch.
func (p *Poller[K, T]) Idle() {
	p.mu.Lock()
	p.target = target[K]{}
	p.gen++
	p.busy = false
	p.mu.Unlock()
	p.signal()
}

// Active reports whether a fetch is in flight or scheduled.
func (p *Poller[K, T]) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Key returns the current target key and whether there is one.
func (p *Poller[K, T]) Key() (K, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target.key, p.target.active
}

func (p *Poller[K, T]) restartLocked() {
	p.gen++
	p.busy = true
	p.signal()
}

func (p *Poller[K, T]) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run serves control requests until ctx is done. The in-flight cycle is
// cancelled and awaited before Run returns.
func (p *Poller[K, T]) Run(ctx context.Context) error {
	cancel := context.CancelFunc(func() {})
	var done chan struct{}
	stopCycle := func() {
		cancel()
		if done != nil {
			<-done
			done = nil
		}
	}
	defer stopCycle()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		}
		stopCycle()

		p.mu.Lock()
		t, gen := p.target, p.gen
		p.mu.Unlock()
		if !t.active {
			p.log.Debug("idle")
			continue
		}

		var cycleCtx context.Context
		cycleCtx, cancel = context.WithCancel(ctx)
		done = make(chan struct{})
		go p.cycle(cycleCtx, t, gen, done)
	}
}

func (p *Poller[K, T]) cycle(ctx context.Context, t target[K], gen uint64, done chan struct{}) {
	defer close(done)

	for {
		value, err := p.cfg.Fetch(ctx, t.token, t.key)
		if ctx.Err() != nil {
			return
		}
		if !p.deliver(gen, Result[K, T]{Key: t.key, Value: value, Err: err, At: time.Now()}) {
			return
		}
		if err != nil {
			p.log.Warn("fetch failed, polling stopped", zap.Any("key", t.key), zap.Error(err))
			p.finish(gen)
			return
		}
		if !p.cfg.Continue(value) {
			p.log.Debug("settled", zap.Any("key", t.key))
			p.finish(gen)
			return
		}

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// deliver hands res to OnResult unless the target changed meanwhile.
func (p *Poller[K, T]) deliver(gen uint64, res Result[K, T]) bool {
	p.mu.Lock()
	current := p.gen == gen
	p.mu.Unlock()
	if !current {
		return false
	}
	if p.cfg.OnResult != nil {
		p.cfg.OnResult(res)
	}
	return true
}

func (p *Poller[K, T]) finish(gen uint64) {
	p.mu.Lock()
	if p.gen == gen {
		p.busy = false
	}
	p.mu.Unlock()
}
