package channel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/devicehub/backend/internal/device"
	"github.com/devicehub/backend/internal/infrastructure/logging"
	"github.com/devicehub/backend/internal/shared/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneResult struct {
	recID id.RecordingID
	path  string
	err   error
}

func newTestRecorder(t *testing.T, done chan doneResult) *Recorder {
	t.Helper()
	return NewRecorder(RecorderConfig{
		NewCommand: func(maxDuration time.Duration) (device.Command, string, error) {
			return device.Command{Name: "sleep", Args: []string{"60"}}, "/sdcard/test.mp4", nil
		},
		Pull: func(ctx context.Context, remote, local string) error {
			done <- doneResult{path: local}
			return nil
		},
		SpoolDir:    t.TempDir(),
		MaxDuration: 10 * time.Second,
		OnDone: func(recID id.RecordingID, localPath string, err error) {
			done <- doneResult{recID: recID, path: localPath, err: err}
		},
		Logger: logging.NewNop(),
	})
}

func TestRecorderStopFinalizesArtifact(t *testing.T) {
	done := make(chan doneResult, 2)
	r := newTestRecorder(t, done)

	require.NoError(t, r.Start())
	assert.True(t, r.Active())

	require.NoError(t, r.Stop())

	// Pull first, then the done callback.
	select {
	case pull := <-done:
		assert.True(t, strings.HasSuffix(pull.path, ".mp4"))
	case <-time.After(5 * time.Second):
		t.Fatal("artifact was never pulled")
	}

	select {
	case result := <-done:
		require.NoError(t, result.err)
		assert.True(t, strings.HasPrefix(result.recID.String(), "rec_"))
		assert.True(t, strings.HasSuffix(result.path, ".mp4"))
	case <-time.After(5 * time.Second):
		t.Fatal("done callback never fired")
	}

	assert.False(t, r.Active())
}

func TestRecorderRejectsConcurrentStart(t *testing.T) {
	done := make(chan doneResult, 2)
	r := newTestRecorder(t, done)
	defer r.Close()

	require.NoError(t, r.Start())
	assert.Error(t, r.Start())
}

func TestRecorderStopWithoutStart(t *testing.T) {
	r := newTestRecorder(t, make(chan doneResult, 1))
	assert.Error(t, r.Stop())
}

func TestRecorderCloseSkipsPull(t *testing.T) {
	done := make(chan doneResult, 2)
	r := newTestRecorder(t, done)

	require.NoError(t, r.Start())
	r.Close()

	select {
	case <-done:
		t.Fatal("closed recorder must not pull or announce")
	case <-time.After(time.Second):
	}
}
