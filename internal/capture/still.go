// Package capture produces screen data from a device. Two interchangeable
// strategies: periodic still capture (portable, higher latency) and a
// continuous encoded stream subprocess (lower latency, Android only).
package capture

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/devicehub/backend/internal/infrastructure/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FrameFunc grabs one complete frame: encoded bytes plus format name.
type FrameFunc func(ctx context.Context) ([]byte, string, error)

// Still is the fixed-period still-capture scheduler. Ticks are skipped, not
// queued, when the previous capture is still in flight or no viewers are
// attached: the freshest frame always wins over a queued stale one.
type Still struct {
	capture  FrameFunc
	emit     func(data []byte, format string)
	viewers  func() int
	interval time.Duration
	timeout  time.Duration
	logger   *logging.Logger

	onSkip    func()
	onFailure func()

	inFlight   atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}
	logLimiter *rate.Limiter
}

// StillConfig wires a Still scheduler.
type StillConfig struct {
	Capture   FrameFunc
	Emit      func(data []byte, format string)
	Viewers   func() int
	FrameRate int // Hz
	Logger    *logging.Logger
	OnSkip    func() // optional, metrics hook
	OnFailure func() // optional, metrics hook
}

// NewStill creates a still-capture scheduler. It does not start capturing
// until Start is called.
func NewStill(cfg StillConfig) *Still {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	interval := time.Second / time.Duration(cfg.FrameRate)
	return &Still{
		capture:   cfg.Capture,
		emit:      cfg.Emit,
		viewers:   cfg.Viewers,
		interval:  interval,
		timeout:   2 * time.Second,
		logger:    cfg.Logger,
		onSkip:    cfg.OnSkip,
		onFailure: cfg.OnFailure,
		// Failed captures repeat every tick; keep the log quiet.
		logLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Start launches the capture loop.
func (s *Still) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop cancels the scheduler. An in-flight capture is allowed to complete;
// its result is discarded because emit fans out to an empty viewer set.
func (s *Still) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Still) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick attempts one capture. The backpressure rule: never build a backlog of
// in-flight captures.
func (s *Still) tick(ctx context.Context) {
	if s.viewers() == 0 || !s.inFlight.CompareAndSwap(false, true) {
		if s.onSkip != nil {
			s.onSkip()
		}
		return
	}

	go func() {
		defer s.inFlight.Store(false)

		captureCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		data, format, err := s.capture(captureCtx)
		if err != nil {
			if s.onFailure != nil {
				s.onFailure()
			}
			if s.logger != nil && s.logLimiter.Allow() {
				s.logger.Warn("frame capture failed", zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			// Scheduler cancelled while capturing; discard silently.
			return
		}
		s.emit(data, format)
	}()
}
