// Package channel implements the ancillary per-device streams: log
// streaming and screen recording. Each is an independent subprocess whose
// failure degrades that channel only; the video and control paths are
// unaffected.
package channel

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"

	"github.com/devicehub/backend/internal/device"
	"github.com/devicehub/backend/internal/infrastructure/logging"
	"go.uber.org/zap"
)

// LogStream runs a platform log subprocess and forwards complete lines as
// they arrive. Partial lines are buffered until a terminator appears.
type LogStream struct {
	spec   device.Command
	emit   func(line string)
	logger *logging.Logger

	cmd     *exec.Cmd
	stopped atomic.Bool
	done    chan struct{}
}

// NewLogStream creates a log streaming channel.
func NewLogStream(spec device.Command, emit func(string), logger *logging.Logger) *LogStream {
	return &LogStream{
		spec:   spec,
		emit:   emit,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start spawns the log subprocess.
func (l *LogStream) Start() error {
	l.cmd = exec.Command(l.spec.Name, l.spec.Args...)

	stdout, err := l.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("log stream stdout pipe: %w", err)
	}
	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("spawn log stream: %w", err)
	}

	go func() {
		defer close(l.done)

		l.forward(stdout)
		l.cmd.Wait()

		if !l.stopped.Load() && l.logger != nil {
			l.logger.Warn("log stream ended", zap.String("command", l.spec.Name))
		}
	}()

	return nil
}

// forward scans complete lines off the subprocess output. Split out so the
// line handling is testable without a subprocess.
func (l *LogStream) forward(r io.Reader) {
	scanner := bufio.NewScanner(r)
	// Logcat lines can be long; the default 64KB token cap is kept but the
	// initial allocation is raised to avoid regrowth churn.
	scanner.Buffer(make([]byte, 64*1024), bufio.MaxScanTokenSize)

	for scanner.Scan() {
		l.emit(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !l.stopped.Load() && l.logger != nil {
		l.logger.Warn("log stream read error", zap.Error(err))
	}
}

// Stop terminates the subprocess.
func (l *LogStream) Stop() {
	l.stopped.Store(true)
	if l.cmd != nil && l.cmd.Process != nil {
		l.cmd.Process.Kill()
	}
	<-l.done
}
