// Package android implements the device capability interface on top of the
// ADB command line tool.
package android

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/devicehub/backend/internal/device"
)

const (
	// screenrecord refuses time limits above three minutes.
	maxRecordingDuration = 180 * time.Second

	// Duration of the emulated press issued for touch_down. The `input`
	// tool has no true down/up primitive, so contact is a zero-distance
	// swipe and release is a no-op (the swipe already lifted the finger).
	contactHoldMS = 100
)

// Backend drives Android devices through adb.
type Backend struct {
	adbPath string
	runner  device.Runner
}

// New creates an Android backend using the given adb binary path.
func New(adbPath string, runner device.Runner) *Backend {
	if adbPath == "" {
		adbPath = "adb"
	}
	if runner == nil {
		runner = device.NewRunner()
	}
	return &Backend{adbPath: adbPath, runner: runner}
}

// Platform returns the platform identifier.
func (b *Backend) Platform() device.Platform {
	return device.PlatformAndroid
}

func (b *Backend) run(ctx context.Context, deviceID string, args ...string) ([]byte, error) {
	full := append([]string{"-s", deviceID}, args...)
	return b.runner.Run(ctx, b.adbPath, full...)
}

func (b *Backend) shell(ctx context.Context, deviceID string, args ...string) ([]byte, error) {
	return b.run(ctx, deviceID, append([]string{"shell"}, args...)...)
}

// ListDevices enumerates attached devices in the "device" state.
func (b *Backend) ListDevices(ctx context.Context) ([]string, error) {
	out, err := b.runner.Run(ctx, b.adbPath, "devices")
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	return parseDeviceList(string(out)), nil
}

// parseDeviceList extracts serials from `adb devices` output.
func parseDeviceList(out string) []string {
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "device" {
			ids = append(ids, fields[0])
		}
	}
	return ids
}

// Reachable reports whether the device is attached and authorized.
func (b *Backend) Reachable(ctx context.Context, deviceID string) bool {
	out, err := b.run(ctx, deviceID, "get-state")
	return err == nil && strings.TrimSpace(string(out)) == "device"
}

var sizeRe = regexp.MustCompile(`(Override|Physical) size: (\d+)x(\d+)`)

// Dimensions resolves the screen size from `wm size`. An override size, if
// present, wins over the physical one.
func (b *Backend) Dimensions(ctx context.Context, deviceID string) (device.Dimensions, error) {
	out, err := b.shell(ctx, deviceID, "wm", "size")
	if err != nil {
		return device.Dimensions{}, fmt.Errorf("wm size: %w", err)
	}
	dims, err := parseWMSize(string(out))
	if err != nil {
		return device.Dimensions{}, err
	}
	return dims, nil
}

func parseWMSize(out string) (device.Dimensions, error) {
	var dims device.Dimensions
	found := false
	for _, m := range sizeRe.FindAllStringSubmatch(out, -1) {
		w, _ := strconv.Atoi(m[2])
		h, _ := strconv.Atoi(m[3])
		if m[1] == "Override" {
			return device.Dimensions{Width: w, Height: h}, nil
		}
		dims = device.Dimensions{Width: w, Height: h}
		found = true
	}
	if !found {
		return device.Dimensions{}, fmt.Errorf("unparseable wm size output: %q", strings.TrimSpace(out))
	}
	return dims, nil
}

// Properties resolves model and OS version, best-effort per field.
func (b *Backend) Properties(ctx context.Context, deviceID string) (device.Properties, error) {
	var props device.Properties
	if out, err := b.shell(ctx, deviceID, "getprop", "ro.product.model"); err == nil {
		props.Model = strings.TrimSpace(string(out))
	}
	if out, err := b.shell(ctx, deviceID, "getprop", "ro.build.version.release"); err == nil {
		props.OSVersion = strings.TrimSpace(string(out))
	}
	return props, nil
}

// CaptureFrame grabs one PNG screenshot via exec-out.
func (b *Backend) CaptureFrame(ctx context.Context, deviceID string) ([]byte, string, error) {
	out, err := b.run(ctx, deviceID, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, "", fmt.Errorf("screencap: %w", err)
	}
	return out, "png", nil
}

// StreamCommand returns the continuous H.264 capture invocation. The
// subprocess owns the device's screen-mirroring session and exits after the
// platform's recording cap; the session treats that exit as fatal.
func (b *Backend) StreamCommand(deviceID string, dims device.Dimensions) (device.Command, error) {
	args := []string{"-s", deviceID, "exec-out", "screenrecord", "--output-format=h264"}
	if dims.Width > 0 && dims.Height > 0 {
		args = append(args, fmt.Sprintf("--size=%dx%d", dims.Width, dims.Height))
	}
	args = append(args, "-")
	return device.Command{Name: b.adbPath, Args: args}, nil
}

// LogsCommand returns the logcat streaming invocation.
func (b *Backend) LogsCommand(deviceID string) (device.Command, error) {
	return device.Command{
		Name: b.adbPath,
		Args: []string{"-s", deviceID, "logcat", "-v", "time"},
	}, nil
}

// RecordCommand returns a bounded screenrecord invocation and the on-device
// path the artifact is written to.
func (b *Backend) RecordCommand(deviceID string, maxDuration time.Duration) (device.Command, string, error) {
	if maxDuration <= 0 || maxDuration > maxRecordingDuration {
		maxDuration = maxRecordingDuration
	}
	remote := fmt.Sprintf("/sdcard/devicehub_%d.mp4", time.Now().UnixNano())
	cmd := device.Command{
		Name: b.adbPath,
		Args: []string{
			"-s", deviceID, "shell", "screenrecord",
			"--time-limit", strconv.Itoa(int(maxDuration.Seconds())),
			remote,
		},
	}
	return cmd, remote, nil
}

// PullFile copies a file off the device.
func (b *Backend) PullFile(ctx context.Context, deviceID, remotePath, localPath string) error {
	if _, err := b.run(ctx, deviceID, "pull", remotePath, localPath); err != nil {
		return fmt.Errorf("adb pull: %w", err)
	}
	// Best-effort cleanup of the on-device copy.
	b.shell(ctx, deviceID, "rm", "-f", remotePath)
	return nil
}

// Contact emulates a finger press with a zero-distance swipe.
func (b *Backend) Contact(ctx context.Context, deviceID string, x, y int) error {
	_, err := b.shell(ctx, deviceID, "input", "touchscreen", "swipe",
		strconv.Itoa(x), strconv.Itoa(y), strconv.Itoa(x), strconv.Itoa(y),
		strconv.Itoa(contactHoldMS))
	return err
}

// Drag issues a swipe covering the coalescing window.
func (b *Backend) Drag(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error {
	ms := int(duration.Milliseconds())
	if ms <= 0 {
		ms = 1
	}
	_, err := b.shell(ctx, deviceID, "input", "touchscreen", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.Itoa(ms))
	return err
}

// Release is a no-op: the emulated swipes above already lift the contact.
// Known fidelity compromise of the `input`-based gesture path.
func (b *Backend) Release(ctx context.Context, deviceID string, x, y int) error {
	return nil
}

// Tap issues a discrete tap.
func (b *Backend) Tap(ctx context.Context, deviceID string, x, y int) error {
	_, err := b.shell(ctx, deviceID, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// Swipe issues a discrete swipe.
func (b *Backend) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error {
	return b.Drag(ctx, deviceID, x1, y1, x2, y2, duration)
}

// KeyEvent injects a key code.
func (b *Backend) KeyEvent(ctx context.Context, deviceID string, keycode int) error {
	_, err := b.shell(ctx, deviceID, "input", "keyevent", strconv.Itoa(keycode))
	return err
}

// Text types a string. `input text` treats %s as a space escape.
func (b *Backend) Text(ctx context.Context, deviceID, text string) error {
	escaped := strings.ReplaceAll(text, " ", "%s")
	_, err := b.shell(ctx, deviceID, "input", "text", escaped)
	return err
}

// GetClipboard reads the device clipboard. Requires the shell clipboard
// service (Android 10+).
func (b *Backend) GetClipboard(ctx context.Context, deviceID string) (string, error) {
	out, err := b.shell(ctx, deviceID, "cmd", "clipboard", "get-text")
	if err != nil {
		return "", fmt.Errorf("clipboard get: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// SetClipboard writes the device clipboard.
func (b *Backend) SetClipboard(ctx context.Context, deviceID, text string) error {
	if _, err := b.shell(ctx, deviceID, "cmd", "clipboard", "set-text", text); err != nil {
		return fmt.Errorf("clipboard set: %w", err)
	}
	return nil
}

// SetLocation pushes a mock GPS fix. Emulator-only (`adb emu geo fix`);
// physical devices reject it and the error is reported per-command.
func (b *Backend) SetLocation(ctx context.Context, deviceID string, lat, lon float64, alt *float64) error {
	args := []string{"emu", "geo", "fix",
		strconv.FormatFloat(lon, 'f', -1, 64),
		strconv.FormatFloat(lat, 'f', -1, 64),
	}
	if alt != nil {
		args = append(args, strconv.FormatFloat(*alt, 'f', -1, 64))
	}
	if _, err := b.run(ctx, deviceID, args...); err != nil {
		return fmt.Errorf("geo fix: %w", err)
	}
	return nil
}

// PushFile copies a local file into the device's download directory.
func (b *Backend) PushFile(ctx context.Context, deviceID, localPath, filename string) (string, error) {
	remote := "/sdcard/Download/" + filename
	if _, err := b.run(ctx, deviceID, "push", localPath, remote); err != nil {
		return "", fmt.Errorf("adb push: %w", err)
	}
	return remote, nil
}

// Install installs an APK, replacing an existing package.
func (b *Backend) Install(ctx context.Context, deviceID, pkgPath string) error {
	if _, err := b.run(ctx, deviceID, "install", "-r", pkgPath); err != nil {
		return fmt.Errorf("adb install: %w", err)
	}
	return nil
}

// Metrics collects a best-effort snapshot. Each field fails independently.
func (b *Backend) Metrics(ctx context.Context, deviceID string) device.Metrics {
	var m device.Metrics

	if out, err := b.shell(ctx, deviceID, "dumpsys", "battery"); err == nil {
		if level, ok := parseBatteryLevel(string(out)); ok {
			m.Battery = &level
		}
	}
	if out, err := b.shell(ctx, deviceID, "cat", "/proc/meminfo"); err == nil {
		total, avail := parseMemInfo(string(out))
		m.MemTotalKB = total
		m.MemAvailKB = avail
	}
	if out, err := b.shell(ctx, deviceID, "cat", "/proc/loadavg"); err == nil {
		if load, ok := parseLoadAvg(string(out)); ok {
			m.CPULoad = &load
		}
	}
	if out, err := b.shell(ctx, deviceID, "cat", "/proc/net/dev"); err == nil {
		rx, tx := parseNetDev(string(out))
		m.RxBytes = rx
		m.TxBytes = tx
	}

	return m
}

var batteryRe = regexp.MustCompile(`level: (\d+)`)

func parseBatteryLevel(out string) (int, bool) {
	m := batteryRe.FindStringSubmatch(out)
	if m == nil {
		return 0, false
	}
	level, err := strconv.Atoi(m[1])
	return level, err == nil
}

func parseMemInfo(out string) (total, avail *int64) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = &v
		case "MemAvailable:":
			avail = &v
		}
	}
	return total, avail
}

func parseLoadAvg(out string) (float64, bool) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, false
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	return load, err == nil
}

// parseNetDev sums receive and transmit byte counters over all interfaces
// except loopback.
func parseNetDev(out string) (rx, tx *int64) {
	var rxSum, txSum int64
	found := false
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		iface := strings.TrimSpace(parts[0])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) < 9 {
			continue
		}
		r, err1 := strconv.ParseInt(fields[0], 10, 64)
		t, err2 := strconv.ParseInt(fields[8], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		rxSum += r
		txSum += t
		found = true
	}
	if !found {
		return nil, nil
	}
	return &rxSum, &txSum
}
