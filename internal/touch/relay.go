// Package touch translates raw viewer pointer events into device input
// commands, coalescing rapid moves into a bounded command rate.
package touch

import (
	"context"
	"sync"
	"time"

	"github.com/devicehub/backend/internal/infrastructure/logging"
	"go.uber.org/zap"
)

// Commander issues gesture commands against one device.
type Commander interface {
	Contact(ctx context.Context, x, y int) error
	Drag(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error
	Release(ctx context.Context, x, y int) error
}

// Relay is the per-device gesture state machine. One instance per device
// session regardless of how many viewers share it; the mutex serializes
// gesture-state transitions, which is the only mutual exclusion the gesture
// path guarantees.
type Relay struct {
	cmd        Commander
	window     time.Duration // move-coalescing window
	cmdTimeout time.Duration // bound on a single device command
	logger     *logging.Logger

	mu             sync.Mutex
	pressed        bool
	committedX     int // last position actually sent to the device
	committedY     int
	pendingX       int // latest queued move, dispatched on flush
	pendingY       int
	hasPending     bool
	flushScheduled bool
	flushTimer     *time.Timer
	closed         bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithWindow overrides the coalescing window.
func WithWindow(d time.Duration) Option {
	return func(r *Relay) { r.window = d }
}

// WithCommandTimeout overrides the per-command timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(r *Relay) { r.cmdTimeout = d }
}

// New creates a gesture relay for one device.
func New(cmd Commander, logger *logging.Logger, opts ...Option) *Relay {
	r := &Relay{
		cmd:        cmd,
		window:     16 * time.Millisecond, // one frame at 60Hz
		cmdTimeout: 50 * time.Millisecond,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pressed reports whether a logical finger is currently down.
func (r *Relay) Pressed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pressed
}

// HasPending reports whether moves are queued for the next flush.
func (r *Relay) HasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasPending
}

// TouchDown starts a gesture. A down while already pressed is ignored.
// The contact command is issued synchronously with a short timeout so a
// single stalled command cannot block subsequent ones.
func (r *Relay) TouchDown(x, y int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.pressed {
		return
	}
	r.pressed = true
	r.committedX, r.committedY = x, y
	r.issue("contact", func(ctx context.Context) error {
		return r.cmd.Contact(ctx, x, y)
	})
}

// TouchMove queues a move. Moves arriving within the coalescing window
// collapse into a single drag using only the latest coordinate. A move
// while released is a no-op.
func (r *Relay) TouchMove(x, y int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.pressed {
		return
	}
	r.pendingX, r.pendingY = x, y
	r.hasPending = true

	if !r.flushScheduled {
		r.flushScheduled = true
		r.flushTimer = time.AfterFunc(r.window, r.flush)
	}
}

// TouchUp ends the gesture: issues a release at the last known position,
// unconditionally clears queued moves, and cancels any scheduled flush.
func (r *Relay) TouchUp(x, y int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.pressed {
		return
	}

	relX, relY := r.committedX, r.committedY
	if r.hasPending {
		relX, relY = r.pendingX, r.pendingY
	}

	r.pressed = false
	r.hasPending = false
	r.cancelFlushLocked()

	r.issue("release", func(ctx context.Context) error {
		return r.cmd.Release(ctx, relX, relY)
	})
}

// flush dispatches one drag from the last committed position to the latest
// queued coordinate. Fires on the coalescing timer; a timer firing with an
// empty queue is a no-op.
func (r *Relay) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flushScheduled = false
	r.flushTimer = nil

	if r.closed || !r.pressed || !r.hasPending {
		return
	}

	fromX, fromY := r.committedX, r.committedY
	toX, toY := r.pendingX, r.pendingY
	r.committedX, r.committedY = toX, toY
	r.hasPending = false

	window := r.window
	r.issue("drag", func(ctx context.Context) error {
		return r.cmd.Drag(ctx, fromX, fromY, toX, toY, window)
	})
}

// Close cancels any scheduled flush so a torn-down session leaves no
// dangling timer.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.pressed = false
	r.hasPending = false
	r.cancelFlushLocked()
}

func (r *Relay) cancelFlushLocked() {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.flushScheduled = false
}

// issue runs a device command with the relay's timeout. Failures are logged
// and otherwise silent: a lost gesture segment is a transient per-operation
// failure.
func (r *Relay) issue(kind string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cmdTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		if r.logger != nil {
			r.logger.Debug("touch command failed",
				zap.String("kind", kind),
				zap.Error(err),
			)
		}
	}
}
