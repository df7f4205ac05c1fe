// Package lazy provides process-wide values that are built on first use,
// exactly once, and may be rebuilt after a failed attempt.
package lazy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/babelcloud/livedetect/internal/util"
	"github.com/babelcloud/livedetect/internal/vision/core"
)

// State is the lifecycle state of a Cell.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrClosed is returned by a Cell after Close.
var ErrClosed = errors.New("resource closed")

// Factory builds the value. The context carries the construction deadline,
// not the deadline of whichever caller happened to trigger it.
type Factory[T any] func(ctx context.Context) (T, error)

type options struct {
	timeout time.Duration
	backoff time.Duration
	clock   clock.PassiveClock
}

// Option configures a Cell.
type Option func(*options)

// WithTimeout bounds a single construction attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRetryBackoff sets how long a failure is reported before another
// attempt is allowed. Zero retries on the next call.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) { o.backoff = d }
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) { o.clock = c }
}

// Cell holds one lazily constructed value.
type Cell[T any] struct {
	name    string
	factory Factory[T]
	opts    options
	logger  *slog.Logger

	group singleflight.Group
	value atomic.Pointer[T]

	mu       sync.Mutex
	state    State
	lastErr  error
	failedAt time.Time
	attempts int
	closed   bool
}

// New returns an uninitialized cell. Nothing is built until the first Get
// or TryGet.
func New[T any](name string, factory Factory[T], opts ...Option) *Cell[T] {
	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cell[T]{
		name:    name,
		factory: factory,
		opts:    o,
		logger:  util.ComponentLogger("resources").With("resource", name),
	}
}

// Name returns the resource name used in logs.
func (c *Cell[T]) Name() string {
	return c.name
}

// Get returns the value, building it if needed. Concurrent callers share a
// single construction. ctx only bounds how long this caller waits.
func (c *Cell[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if v := c.value.Load(); v != nil {
		return *v, nil
	}
	if err := c.blocked(); err != nil {
		return zero, err
	}

	ch := c.group.DoChan(c.name, c.build)
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, errors.Wrapf(ctx.Err(), "waiting for %s", c.name)
	}
}

// TryGet never blocks. It returns the value when ready; otherwise it starts
// or joins a background construction and returns core.ErrNotReady, or the
// last construction error while the retry backoff runs.
func (c *Cell[T]) TryGet() (T, error) {
	var zero T
	if v := c.value.Load(); v != nil {
		return *v, nil
	}
	if err := c.blocked(); err != nil {
		return zero, err
	}
	// DoChan's channel is buffered, the result is simply dropped.
	c.group.DoChan(c.name, c.build)
	return zero, core.ErrNotReady
}

// Peek returns the value only if it is already built.
func (c *Cell[T]) Peek() (T, bool) {
	if v := c.value.Load(); v != nil {
		return *v, true
	}
	var zero T
	return zero, false
}

// State returns the current lifecycle state.
func (c *Cell[T]) State() State {
	if c.value.Load() != nil {
		return Ready
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error of the last failed attempt, if the cell is failed.
func (c *Cell[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Failed {
		return nil
	}
	return c.lastErr
}

// Attempts returns how many constructions have been started.
func (c *Cell[T]) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Close closes the value if it was built and implements io.Closer. Later
// calls to Get fail with ErrClosed. A construction still running when Close
// is called closes its own value when it finishes.
func (c *Cell[T]) Close() error {
	c.mu.Lock()
	c.closed = true
	v := c.value.Swap(nil)
	c.mu.Unlock()

	if v == nil {
		return nil
	}
	return c.closeValue(*v)
}

func (c *Cell[T]) closeValue(v T) error {
	if closer, ok := any(v).(io.Closer); ok {
		return errors.Wrapf(closer.Close(), "close %s", c.name)
	}
	return nil
}

// blocked returns a non-nil error when no attempt may be started right now.
func (c *Cell[T]) blocked() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state == Failed && c.opts.clock.Since(c.failedAt) < c.opts.backoff {
		return c.lastErr
	}
	return nil
}

func (c *Cell[T]) build() (interface{}, error) {
	// A previous flight may have finished between the caller's fast path
	// and joining this one.
	if v := c.value.Load(); v != nil {
		return *v, nil
	}
	if err := c.blocked(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.state = Initializing
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	ctx := context.Background()
	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	c.logger.Debug("Constructing resource", "attempt", attempt)
	start := c.opts.clock.Now()
	v, err := c.run(ctx)
	duration := c.opts.clock.Since(start)

	if err != nil {
		err = errors.Wrapf(err, "construct %s", c.name)
		c.mu.Lock()
		c.state = Failed
		c.lastErr = err
		c.failedAt = c.opts.clock.Now()
		c.mu.Unlock()
		c.logger.Error("Resource construction failed", "attempt", attempt, "duration", duration, "error", err)
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.state = Uninitialized
		c.mu.Unlock()
		c.logger.Info("Resource closed during construction", "attempt", attempt, "duration", duration)
		if cerr := c.closeValue(v); cerr != nil {
			c.logger.Warn("Failed to close resource", "error", cerr)
		}
		return nil, ErrClosed
	}
	c.value.Store(&v)
	c.state = Ready
	c.lastErr = nil
	c.mu.Unlock()
	c.logger.Info("Resource ready", "attempt", attempt, "duration", duration)
	return v, nil
}

func (c *Cell[T]) run(ctx context.Context) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return c.factory(ctx)
}
