package capture

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devicehub/backend/internal/device"
	"github.com/devicehub/backend/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamForwardsChunksAndReportsExit(t *testing.T) {
	var mu sync.Mutex
	var received []byte
	fatal := make(chan error, 1)

	s := NewStream(
		device.Command{Name: "sh", Args: []string{"-c", "printf 'chunkdata'"}},
		func(chunk []byte) {
			mu.Lock()
			received = append(received, chunk...)
			mu.Unlock()
		},
		func(err error) { fatal <- err },
		logging.NewNop(),
	)

	require.NoError(t, s.Start())

	select {
	case err := <-fatal:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected fatal callback after subprocess exit")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "chunkdata", string(received))
}

func TestStreamStopSuppressesFatal(t *testing.T) {
	var fatals atomic.Int64

	s := NewStream(
		device.Command{Name: "sleep", Args: []string{"60"}},
		func([]byte) {},
		func(error) { fatals.Add(1) },
		logging.NewNop(),
	)

	require.NoError(t, s.Start())
	s.Stop()

	assert.Equal(t, int64(0), fatals.Load())
}

func TestStreamFatalCallbackCanStopStream(t *testing.T) {
	// Session teardown calls Stop from inside the fatal callback; that must
	// not block on the reader goroutine that invoked the callback.
	done := make(chan struct{})
	var s *Stream
	s = NewStream(
		device.Command{Name: "true"},
		func([]byte) {},
		func(error) {
			s.Stop()
			close(done)
		},
		logging.NewNop(),
	)

	require.NoError(t, s.Start())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked inside the fatal callback")
	}
}

func TestStreamSpawnFailure(t *testing.T) {
	s := NewStream(
		device.Command{Name: "/nonexistent/binary"},
		func([]byte) {},
		func(error) {},
		logging.NewNop(),
	)

	require.Error(t, s.Start())
}
