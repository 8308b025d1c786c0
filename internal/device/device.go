// Package device defines the platform capability interface consumed by the
// relay. The capture scheduler and touch relay are platform-agnostic; all
// branching on device kind lives behind Backend.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Platform identifies a device family.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// ErrUnsupported is returned for operations a platform cannot perform. The
// relay reports these as per-command errors, never session-fatal ones.
var ErrUnsupported = errors.New("operation not supported on this platform")

// Dimensions is a device screen size in device pixels.
type Dimensions struct {
	Width  int
	Height int
}

// Properties are basic device facts resolved best-effort.
type Properties struct {
	Model     string `json:"model,omitempty"`
	OSVersion string `json:"os_version,omitempty"`
}

// Metrics is a device metrics snapshot. Every field is independently
// best-effort: a field that could not be resolved stays nil.
type Metrics struct {
	Battery    *int     `json:"battery"`
	MemTotalKB *int64   `json:"mem_total_kb"`
	MemAvailKB *int64   `json:"mem_available_kb"`
	CPULoad    *float64 `json:"cpu_load"`
	RxBytes    *int64   `json:"rx_bytes"`
	TxBytes    *int64   `json:"tx_bytes"`
}

// Command is an external tool invocation spec for long-lived subprocesses
// (log streaming, recording, continuous capture). The caller owns the
// spawned process.
type Command struct {
	Name string
	Args []string
}

// Backend is the per-platform capability surface.
type Backend interface {
	Platform() Platform

	// Enumeration and reachability.
	ListDevices(ctx context.Context) ([]string, error)
	Reachable(ctx context.Context, deviceID string) bool
	Dimensions(ctx context.Context, deviceID string) (Dimensions, error)
	Properties(ctx context.Context, deviceID string) (Properties, error)

	// Capture.
	CaptureFrame(ctx context.Context, deviceID string) (data []byte, format string, err error)
	StreamCommand(deviceID string, dims Dimensions) (Command, error)

	// Ancillary channels.
	LogsCommand(deviceID string) (Command, error)
	RecordCommand(deviceID string, maxDuration time.Duration) (cmd Command, remotePath string, err error)
	PullFile(ctx context.Context, deviceID, remotePath, localPath string) error
	Metrics(ctx context.Context, deviceID string) Metrics

	// Gesture primitives consumed by the touch relay.
	Contact(ctx context.Context, deviceID string, x, y int) error
	Drag(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error
	Release(ctx context.Context, deviceID string, x, y int) error

	// Discrete commands.
	Tap(ctx context.Context, deviceID string, x, y int) error
	Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error
	KeyEvent(ctx context.Context, deviceID string, keycode int) error
	Text(ctx context.Context, deviceID, text string) error
	GetClipboard(ctx context.Context, deviceID string) (string, error)
	SetClipboard(ctx context.Context, deviceID, text string) error
	SetLocation(ctx context.Context, deviceID string, lat, lon float64, alt *float64) error
	PushFile(ctx context.Context, deviceID, localPath, filename string) (remotePath string, err error)
}

// Installer is an optional capability: platforms that can install viewer
// supplied application packages implement it in addition to Backend.
type Installer interface {
	Install(ctx context.Context, deviceID, pkgPath string) error
}

// Runner executes an external device-tool command and returns its stdout.
// Injected so tests can fake device output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

// NewRunner returns a Runner backed by os/exec.
func NewRunner() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}
