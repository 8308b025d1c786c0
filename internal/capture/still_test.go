package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devicehub/backend/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStillEmitsFrames(t *testing.T) {
	var emitted atomic.Int64

	s := NewStill(StillConfig{
		Capture: func(ctx context.Context) ([]byte, string, error) {
			return []byte{0x89, 0x50}, "png", nil
		},
		Emit: func(data []byte, format string) {
			assert.Equal(t, "png", format)
			emitted.Add(1)
		},
		Viewers:   func() int { return 1 },
		FrameRate: 100,
		Logger:    logging.NewNop(),
	})

	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	assert.Greater(t, emitted.Load(), int64(0))
}

func TestStillSkipsWithZeroViewers(t *testing.T) {
	var captures atomic.Int64
	var skips atomic.Int64

	s := NewStill(StillConfig{
		Capture: func(ctx context.Context) ([]byte, string, error) {
			captures.Add(1)
			return nil, "png", nil
		},
		Emit:      func([]byte, string) {},
		Viewers:   func() int { return 0 },
		FrameRate: 100,
		Logger:    logging.NewNop(),
		OnSkip:    func() { skips.Add(1) },
	})

	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int64(0), captures.Load())
	assert.Greater(t, skips.Load(), int64(0))
}

func TestStillSkipsWhileCaptureInFlight(t *testing.T) {
	release := make(chan struct{})
	var captures atomic.Int64
	var skips atomic.Int64

	s := NewStill(StillConfig{
		Capture: func(ctx context.Context) ([]byte, string, error) {
			captures.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return []byte{1}, "png", nil
		},
		Emit:      func([]byte, string) {},
		Viewers:   func() int { return 1 },
		FrameRate: 100,
		Logger:    logging.NewNop(),
		OnSkip:    func() { skips.Add(1) },
	})

	s.Start()
	time.Sleep(100 * time.Millisecond)

	// One capture occupies the slot; every later tick skipped.
	assert.Equal(t, int64(1), captures.Load())
	assert.Greater(t, skips.Load(), int64(0))

	close(release)
	s.Stop()
}

func TestStillReportsCaptureFailures(t *testing.T) {
	var failures atomic.Int64
	var mu sync.Mutex
	emitted := 0

	s := NewStill(StillConfig{
		Capture: func(ctx context.Context) ([]byte, string, error) {
			return nil, "", context.DeadlineExceeded
		},
		Emit: func([]byte, string) {
			mu.Lock()
			emitted++
			mu.Unlock()
		},
		Viewers:   func() int { return 1 },
		FrameRate: 100,
		Logger:    logging.NewNop(),
		OnFailure: func() { failures.Add(1) },
	})

	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	assert.Greater(t, failures.Load(), int64(0))
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, emitted)
}

func TestStillDefaultFrameRate(t *testing.T) {
	s := NewStill(StillConfig{
		Capture: func(ctx context.Context) ([]byte, string, error) { return nil, "", nil },
		Emit:    func([]byte, string) {},
		Viewers: func() int { return 0 },
	})
	require.Equal(t, time.Second/30, s.interval)
}
