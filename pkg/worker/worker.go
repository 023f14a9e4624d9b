// Package worker runs background jobs for the sync managers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arseneyr/speakerbox/pkg/watch"
)

// ErrClosed is returned by Trigger after Close.
var ErrClosed = errors.New("worker closed")

// Counter tracks in-flight work. Its value is observable through Value.
type Counter struct {
	v *watch.Value[int]
}

func NewCounter() *Counter {
	return &Counter{v: watch.New(0)}
}

func (c *Counter) Add(n int) {
	c.v.Update(func(cur int) (int, bool) { return cur + n, n != 0 })
}

func (c *Counter) Done() {
	c.Add(-1)
}

func (c *Counter) Value() *watch.Value[int] {
	return c.v
}

// WaitZero blocks until the counter drops to zero.
func (c *Counter) WaitZero(ctx context.Context) error {
	if c.v.Wait(ctx.Done(), func(n int) bool { return n <= 0 }) {
		return nil
	}
	return ctx.Err()
}

// Loop runs fn at most once at a time. Triggers arriving while fn runs
// collapse into a single rerun after it returns.
type Loop struct {
	name   string
	fn     func(ctx context.Context) error
	busy   *Counter
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	pending bool
	closed  bool
	wg      sync.WaitGroup
	lastErr error
}

type LoopOptions struct {
	Logger *slog.Logger
	// Busy is incremented while the loop runs, if set.
	Busy *Counter
}

func NewLoop(name string, fn func(ctx context.Context) error, opts LoopOptions) *Loop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{name: name, fn: fn, busy: opts.Busy, logger: opts.Logger, ctx: ctx, cancel: cancel}
}

// Trigger schedules a run.
func (l *Loop) Trigger() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.running {
		l.pending = true
		return nil
	}
	l.running = true
	l.wg.Add(1)
	if l.busy != nil {
		l.busy.Add(1)
	}
	go l.run()
	return nil
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		err := l.fn(l.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error(fmt.Sprintf("%s failed", l.name), "err", err)
		}
		l.mu.Lock()
		l.lastErr = err
		if !l.pending || l.closed {
			l.running = false
			l.pending = false
			l.mu.Unlock()
			if l.busy != nil {
				l.busy.Done()
			}
			return
		}
		l.pending = false
		l.mu.Unlock()
	}
}

// LastErr returns the result of the most recent run.
func (l *Loop) LastErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Close stops accepting triggers, cancels the running job and waits for it.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
}

// Completion is a one-shot result that can be awaited many times.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Completed returns an already resolved completion.
func Completed(err error) *Completion {
	c := NewCompletion()
	c.Resolve(err)
	return c
}

// Go runs fn in a goroutine and resolves with its result.
func Go(fn func() error) *Completion {
	c := NewCompletion()
	go func() { c.Resolve(fn()) }()
	return c
}

// Resolve records err. Only the first call has an effect.
func (c *Completion) Resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *Completion) Done() <-chan struct{} {
	return c.done
}

func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// All resolves once every input has, with the first error in argument order.
func All(cs ...*Completion) *Completion {
	return Go(func() error {
		var first error
		for _, c := range cs {
			<-c.done
			if c.err != nil && first == nil {
				first = c.err
			}
		}
		return first
	})
}
