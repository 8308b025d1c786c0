// Package ios implements the device capability interface on top of the
// libimobiledevice command line tools (idevice_id, ideviceinfo,
// idevicescreenshot, idevicesyslog, idevicesetlocation).
//
// Tethered iOS devices expose no shell input primitives, so most input
// operations return device.ErrUnsupported and are reported to the viewer as
// per-command errors. Screen access is screenshot-based only.
package ios

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png" // register PNG decoding for dimension probing
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/devicehub/backend/internal/device"
)

// Backend drives tethered iOS devices through libimobiledevice.
type Backend struct {
	runner  device.Runner
	tempDir string
}

// New creates an iOS backend.
func New(runner device.Runner) *Backend {
	if runner == nil {
		runner = device.NewRunner()
	}
	return &Backend{runner: runner, tempDir: os.TempDir()}
}

// Platform returns the platform identifier.
func (b *Backend) Platform() device.Platform {
	return device.PlatformIOS
}

// ListDevices enumerates tethered device UDIDs.
func (b *Backend) ListDevices(ctx context.Context) ([]string, error) {
	out, err := b.runner.Run(ctx, "idevice_id", "-l")
	if err != nil {
		return nil, fmt.Errorf("idevice_id: %w", err)
	}
	var ids []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// Reachable reports whether the UDID appears in the tethered enumeration.
func (b *Backend) Reachable(ctx context.Context, deviceID string) bool {
	ids, err := b.ListDevices(ctx)
	if err != nil {
		return false
	}
	for _, id := range ids {
		if id == deviceID {
			return true
		}
	}
	return false
}

// Dimensions resolves the screen size by taking one screenshot and reading
// the PNG header. ideviceinfo does not expose pixel dimensions directly.
func (b *Backend) Dimensions(ctx context.Context, deviceID string) (device.Dimensions, error) {
	data, _, err := b.CaptureFrame(ctx, deviceID)
	if err != nil {
		return device.Dimensions{}, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return device.Dimensions{}, fmt.Errorf("decode screenshot header: %w", err)
	}
	return device.Dimensions{Width: cfg.Width, Height: cfg.Height}, nil
}

// Properties resolves model and OS version, best-effort per field.
func (b *Backend) Properties(ctx context.Context, deviceID string) (device.Properties, error) {
	var props device.Properties
	if out, err := b.runner.Run(ctx, "ideviceinfo", "-u", deviceID, "-k", "ProductType"); err == nil {
		props.Model = strings.TrimSpace(string(out))
	}
	if out, err := b.runner.Run(ctx, "ideviceinfo", "-u", deviceID, "-k", "ProductVersion"); err == nil {
		props.OSVersion = strings.TrimSpace(string(out))
	}
	return props, nil
}

// CaptureFrame grabs one screenshot. idevicescreenshot writes to a file, so
// the capture goes through a temp path that is removed after reading.
func (b *Backend) CaptureFrame(ctx context.Context, deviceID string) ([]byte, string, error) {
	path := filepath.Join(b.tempDir, fmt.Sprintf("devicehub_%s_%d.png", deviceID, time.Now().UnixNano()))
	defer os.Remove(path)

	if _, err := b.runner.Run(ctx, "idevicescreenshot", "-u", deviceID, path); err != nil {
		return nil, "", fmt.Errorf("idevicescreenshot: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read screenshot: %w", err)
	}
	return data, "png", nil
}

// StreamCommand is unsupported: there is no continuous encoded capture over
// plain USB tethering.
func (b *Backend) StreamCommand(deviceID string, dims device.Dimensions) (device.Command, error) {
	return device.Command{}, device.ErrUnsupported
}

// LogsCommand returns the syslog streaming invocation.
func (b *Backend) LogsCommand(deviceID string) (device.Command, error) {
	return device.Command{
		Name: "idevicesyslog",
		Args: []string{"-u", deviceID},
	}, nil
}

// RecordCommand is unsupported on tethered devices.
func (b *Backend) RecordCommand(deviceID string, maxDuration time.Duration) (device.Command, string, error) {
	return device.Command{}, "", device.ErrUnsupported
}

// PullFile is unsupported on tethered devices.
func (b *Backend) PullFile(ctx context.Context, deviceID, remotePath, localPath string) error {
	return device.ErrUnsupported
}

func (b *Backend) Contact(ctx context.Context, deviceID string, x, y int) error {
	return device.ErrUnsupported
}

func (b *Backend) Drag(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error {
	return device.ErrUnsupported
}

func (b *Backend) Release(ctx context.Context, deviceID string, x, y int) error {
	return device.ErrUnsupported
}

func (b *Backend) Tap(ctx context.Context, deviceID string, x, y int) error {
	return device.ErrUnsupported
}

func (b *Backend) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error {
	return device.ErrUnsupported
}

func (b *Backend) KeyEvent(ctx context.Context, deviceID string, keycode int) error {
	return device.ErrUnsupported
}

func (b *Backend) Text(ctx context.Context, deviceID, text string) error {
	return device.ErrUnsupported
}

func (b *Backend) GetClipboard(ctx context.Context, deviceID string) (string, error) {
	return "", device.ErrUnsupported
}

func (b *Backend) SetClipboard(ctx context.Context, deviceID, text string) error {
	return device.ErrUnsupported
}

// SetLocation pushes a simulated GPS fix through idevicesetlocation.
func (b *Backend) SetLocation(ctx context.Context, deviceID string, lat, lon float64, alt *float64) error {
	args := []string{"-u", deviceID, "--",
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lon, 'f', -1, 64),
	}
	if _, err := b.runner.Run(ctx, "idevicesetlocation", args...); err != nil {
		return fmt.Errorf("idevicesetlocation: %w", err)
	}
	return nil
}

func (b *Backend) PushFile(ctx context.Context, deviceID, localPath, filename string) (string, error) {
	return "", device.ErrUnsupported
}

// Metrics collects what the lockdown service exposes; only battery level is
// reliably available.
func (b *Backend) Metrics(ctx context.Context, deviceID string) device.Metrics {
	var m device.Metrics
	out, err := b.runner.Run(ctx, "ideviceinfo", "-u", deviceID,
		"-q", "com.apple.mobile.battery", "-k", "BatteryCurrentCapacity")
	if err == nil {
		if level, convErr := strconv.Atoi(strings.TrimSpace(string(out))); convErr == nil {
			m.Battery = &level
		}
	}
	return m
}
