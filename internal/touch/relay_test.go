package touch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devicehub/backend/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gestureCall struct {
	kind           string
	x1, y1, x2, y2 int
}

// fakeCommander records every gesture command issued by the relay.
type fakeCommander struct {
	mu    sync.Mutex
	calls []gestureCall
}

func (f *fakeCommander) Contact(ctx context.Context, x, y int) error {
	f.record(gestureCall{kind: "contact", x1: x, y1: y})
	return nil
}

func (f *fakeCommander) Drag(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error {
	f.record(gestureCall{kind: "drag", x1: x1, y1: y1, x2: x2, y2: y2})
	return nil
}

func (f *fakeCommander) Release(ctx context.Context, x, y int) error {
	f.record(gestureCall{kind: "release", x1: x, y1: y})
	return nil
}

func (f *fakeCommander) record(c gestureCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeCommander) snapshot() []gestureCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gestureCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestRelay(cmd Commander) *Relay {
	return New(cmd, logging.NewNop(),
		WithWindow(20*time.Millisecond),
		WithCommandTimeout(time.Second),
	)
}

func TestTouchDownIssuesContact(t *testing.T) {
	fake := &fakeCommander{}
	r := newTestRelay(fake)
	defer r.Close()

	r.TouchDown(100, 200)

	calls := fake.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, gestureCall{kind: "contact", x1: 100, y1: 200}, calls[0])
	assert.True(t, r.Pressed())
}

func TestDoubleDownIgnored(t *testing.T) {
	fake := &fakeCommander{}
	r := newTestRelay(fake)
	defer r.Close()

	r.TouchDown(10, 10)
	r.TouchDown(50, 50)

	require.Len(t, fake.snapshot(), 1)
}

func TestMovesCoalesceIntoSingleDrag(t *testing.T) {
	fake := &fakeCommander{}
	r := newTestRelay(fake)
	defer r.Close()

	r.TouchDown(100, 200)
	r.TouchMove(110, 205)
	r.TouchMove(120, 210)
	r.TouchMove(130, 215)

	time.Sleep(60 * time.Millisecond)
	r.TouchUp(130, 215)

	calls := fake.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, gestureCall{kind: "contact", x1: 100, y1: 200}, calls[0])
	assert.Equal(t, gestureCall{kind: "drag", x1: 100, y1: 200, x2: 130, y2: 215}, calls[1])
	assert.Equal(t, gestureCall{kind: "release", x1: 130, y1: 215}, calls[2])
}

func TestIdenticalMovesProduceOneDrag(t *testing.T) {
	fake := &fakeCommander{}
	r := newTestRelay(fake)
	defer r.Close()

	r.TouchDown(50, 50)
	for i := 0; i < 10; i++ {
		r.TouchMove(60, 60)
	}
	time.Sleep(60 * time.Millisecond)

	drags := 0
	for _, c := range fake.snapshot() {
		if c.kind == "drag" {
			drags++
		}
	}
	assert.Equal(t, 1, drags)
}

func TestMoveWhileReleasedIsNoOp(t *testing.T) {
	fake := &fakeCommander{}
	r := newTestRelay(fake)
	defer r.Close()

	r.TouchMove(10, 10)
	time.Sleep(40 * time.Millisecond)

	assert.Empty(t, fake.snapshot())
	assert.False(t, r.HasPending())
}

func TestTouchUpBeforeFlushUsesPendingAndCancelsDrag(t *testing.T) {
	fake := &fakeCommander{}
	r := newTestRelay(fake)
	defer r.Close()

	r.TouchDown(100, 100)
	r.TouchMove(150, 150)
	r.TouchUp(150, 150)

	// The flush window has not elapsed yet; the queued move must not
	// surface as a drag after the release.
	time.Sleep(60 * time.Millisecond)

	calls := fake.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, gestureCall{kind: "contact", x1: 100, y1: 100}, calls[0])
	assert.Equal(t, gestureCall{kind: "release", x1: 150, y1: 150}, calls[1])
	assert.False(t, r.Pressed())
	assert.False(t, r.HasPending())
}

func TestTouchUpWithoutMovesReleasesAtContact(t *testing.T) {
	fake := &fakeCommander{}
	r := newTestRelay(fake)
	defer r.Close()

	r.TouchDown(30, 40)
	r.TouchUp(30, 40)

	calls := fake.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, gestureCall{kind: "release", x1: 30, y1: 40}, calls[1])
}

func TestSequentialGestures(t *testing.T) {
	fake := &fakeCommander{}
	r := newTestRelay(fake)
	defer r.Close()

	r.TouchDown(10, 10)
	r.TouchUp(10, 10)
	r.TouchDown(20, 20)
	r.TouchUp(20, 20)

	calls := fake.snapshot()
	require.Len(t, calls, 4)
	assert.Equal(t, "contact", calls[2].kind)
	assert.Equal(t, 20, calls[2].x1)
}

func TestCloseDropsSubsequentEvents(t *testing.T) {
	fake := &fakeCommander{}
	r := newTestRelay(fake)

	r.TouchDown(10, 10)
	r.TouchMove(20, 20)
	r.Close()

	time.Sleep(60 * time.Millisecond)
	before := len(fake.snapshot())

	r.TouchDown(30, 30)
	r.TouchMove(40, 40)
	r.TouchUp(40, 40)

	assert.Len(t, fake.snapshot(), before)
}
