package capture

import (
	"fmt"
	"os/exec"
	"sync/atomic"

	"github.com/devicehub/backend/internal/device"
	"github.com/devicehub/backend/internal/infrastructure/logging"
	"go.uber.org/zap"
)

// Stream runs a long-lived encoded-capture subprocess and forwards stdout
// chunks verbatim as they arrive. The subprocess owns the device's mirroring
// session exclusively, so an unexpected exit is session-fatal: there is no
// per-frame retry on this path.
type Stream struct {
	spec    device.Command
	emit    func(chunk []byte)
	onFatal func(err error)
	logger  *logging.Logger

	cmd     *exec.Cmd
	stopped atomic.Bool
	done    chan struct{}
}

// NewStream creates a continuous-capture runner for the given subprocess
// invocation.
func NewStream(spec device.Command, emit func([]byte), onFatal func(error), logger *logging.Logger) *Stream {
	return &Stream{
		spec:    spec,
		emit:    emit,
		onFatal: onFatal,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start spawns the subprocess and begins forwarding. Spawn failure is
// returned directly; a later exit is reported through onFatal.
func (s *Stream) Start() error {
	s.cmd = exec.Command(s.spec.Name, s.spec.Args...)

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stream stdout pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("spawn capture stream: %w", err)
	}

	go func() {
		// Forward chunks as read, no additional buffering.
		buf := make([]byte, 32*1024)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.emit(chunk)
			}
			if readErr != nil {
				break
			}
		}

		waitErr := s.cmd.Wait()
		// done must be closed before the fatal callback: the teardown it
		// triggers calls Stop, which waits on done.
		close(s.done)
		if s.stopped.Load() {
			return
		}
		if s.logger != nil {
			s.logger.Error("capture stream exited unexpectedly", zap.Error(waitErr))
		}
		if waitErr == nil {
			waitErr = fmt.Errorf("capture stream ended")
		}
		s.onFatal(waitErr)
	}()

	return nil
}

// Stop terminates the subprocess without triggering the fatal callback.
func (s *Stream) Stop() {
	s.stopped.Store(true)
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	<-s.done
}
