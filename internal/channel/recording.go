package channel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/devicehub/backend/internal/device"
	"github.com/devicehub/backend/internal/infrastructure/logging"
	"github.com/devicehub/backend/internal/shared/id"
	"go.uber.org/zap"
)

// pullTimeout bounds retrieval of a finished artifact off the device.
const pullTimeout = 30 * time.Second

// Recorder manages screen recording for one device: at most one bounded
// subprocess at a time. When the subprocess ends, whether by explicit stop
// or by hitting the platform's duration cap, the artifact is pulled into
// the local spool directory and announced through the done callback.
type Recorder struct {
	newCommand  func(maxDuration time.Duration) (device.Command, string, error)
	pull        func(ctx context.Context, remotePath, localPath string) error
	spoolDir    string
	maxDuration time.Duration
	onDone      func(recID id.RecordingID, localPath string, err error)
	logger      *logging.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	closing bool
}

// RecorderConfig wires a Recorder.
type RecorderConfig struct {
	// NewCommand returns the bounded recording invocation plus the
	// on-device artifact path, typically Backend.RecordCommand.
	NewCommand func(maxDuration time.Duration) (device.Command, string, error)
	// Pull retrieves the finished artifact, typically Backend.PullFile.
	Pull        func(ctx context.Context, remotePath, localPath string) error
	SpoolDir    string
	MaxDuration time.Duration
	OnDone      func(recID id.RecordingID, localPath string, err error)
	Logger      *logging.Logger
}

// NewRecorder creates a recorder for one device.
func NewRecorder(cfg RecorderConfig) *Recorder {
	return &Recorder{
		newCommand:  cfg.NewCommand,
		pull:        cfg.Pull,
		spoolDir:    cfg.SpoolDir,
		maxDuration: cfg.MaxDuration,
		onDone:      cfg.OnDone,
		logger:      cfg.Logger,
	}
}

// Start begins a recording. Returns an error if one is already running or
// the platform cannot record.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil {
		return fmt.Errorf("recording already in progress")
	}

	spec, remote, err := r.newCommand(r.maxDuration)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.spoolDir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn recording: %w", err)
	}
	r.cmd = cmd

	recID := id.NewRecordingID()
	go r.waitAndFinalize(cmd, remote, recID)

	return nil
}

// Stop ends the running recording. The artifact is finalized asynchronously
// and reported through the done callback.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd == nil {
		return fmt.Errorf("no recording in progress")
	}
	// screenrecord finalizes the file on SIGINT; Kill would corrupt it.
	if err := r.cmd.Process.Signal(os.Interrupt); err != nil {
		r.cmd.Process.Kill()
	}
	return nil
}

// Close terminates any running recording without pulling the artifact.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closing = true
	if r.cmd != nil && r.cmd.Process != nil {
		r.cmd.Process.Kill()
	}
}

// Active reports whether a recording is running.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd != nil
}

func (r *Recorder) waitAndFinalize(cmd *exec.Cmd, remote string, recID id.RecordingID) {
	// screenrecord needs a moment after SIGINT to write the moov atom.
	cmd.Wait()
	time.Sleep(500 * time.Millisecond)

	r.mu.Lock()
	closing := r.closing
	r.cmd = nil
	r.mu.Unlock()

	if closing {
		return
	}

	local := filepath.Join(r.spoolDir, fmt.Sprintf("%s.mp4", recID))

	ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
	defer cancel()

	if err := r.pull(ctx, remote, local); err != nil {
		if r.logger != nil {
			r.logger.Warn("failed to retrieve recording artifact",
				zap.String("recording_id", recID.String()),
				zap.Error(err),
			)
		}
		if r.onDone != nil {
			r.onDone(recID, "", err)
		}
		return
	}

	if r.onDone != nil {
		r.onDone(recID, local, nil)
	}
}
