package relay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devicehub/backend/internal/device"
	"github.com/devicehub/backend/internal/infrastructure/config"
	"github.com/devicehub/backend/internal/infrastructure/logging"
	"github.com/devicehub/backend/internal/infrastructure/monitoring"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Prometheus collectors register globally; one instance serves every test.
var testMetrics = monitoring.NewMetrics()

type fakeMsg struct {
	messageType int
	data        []byte
}

type fakeConn struct {
	mu       sync.Mutex
	messages []fakeMsg
	closed   bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.messages = append(c.messages, fakeMsg{messageType: messageType, data: buf})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) snapshot() []fakeMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fakeMsg, len(c.messages))
	copy(out, c.messages)
	return out
}

// typeOf decodes the "type" tag of a JSON text message, or "" for binary.
func typeOf(m fakeMsg) string {
	if m.messageType != websocket.TextMessage {
		return ""
	}
	var decoded struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(m.data, &decoded); err != nil {
		return ""
	}
	return decoded.Type
}

// fakeBackend serves a single synthetic device. Stream and log commands are
// unsupported unless a command is configured.
type fakeBackend struct {
	deviceID      string
	reachable     bool
	streamCommand *device.Command
	logsCommand   *device.Command

	mu   sync.Mutex
	taps int
}

func (f *fakeBackend) Platform() device.Platform { return device.PlatformAndroid }

func (f *fakeBackend) ListDevices(ctx context.Context) ([]string, error) {
	return []string{f.deviceID}, nil
}

func (f *fakeBackend) Reachable(ctx context.Context, deviceID string) bool {
	return f.reachable && deviceID == f.deviceID
}

func (f *fakeBackend) Dimensions(ctx context.Context, deviceID string) (device.Dimensions, error) {
	return device.Dimensions{Width: 1080, Height: 1920}, nil
}

func (f *fakeBackend) Properties(ctx context.Context, deviceID string) (device.Properties, error) {
	return device.Properties{Model: "FakePhone"}, nil
}

func (f *fakeBackend) CaptureFrame(ctx context.Context, deviceID string) ([]byte, string, error) {
	return []byte{0x89, 0x50, 0x4e, 0x47}, "png", nil
}

func (f *fakeBackend) StreamCommand(deviceID string, dims device.Dimensions) (device.Command, error) {
	if f.streamCommand != nil {
		return *f.streamCommand, nil
	}
	return device.Command{}, device.ErrUnsupported
}

func (f *fakeBackend) LogsCommand(deviceID string) (device.Command, error) {
	if f.logsCommand != nil {
		return *f.logsCommand, nil
	}
	return device.Command{}, device.ErrUnsupported
}

func (f *fakeBackend) RecordCommand(deviceID string, maxDuration time.Duration) (device.Command, string, error) {
	return device.Command{}, "", device.ErrUnsupported
}

func (f *fakeBackend) PullFile(ctx context.Context, deviceID, remotePath, localPath string) error {
	return nil
}

func (f *fakeBackend) Metrics(ctx context.Context, deviceID string) device.Metrics {
	level := 90
	return device.Metrics{Battery: &level}
}

func (f *fakeBackend) Contact(ctx context.Context, deviceID string, x, y int) error { return nil }

func (f *fakeBackend) Drag(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error {
	return nil
}

func (f *fakeBackend) Release(ctx context.Context, deviceID string, x, y int) error { return nil }

func (f *fakeBackend) Tap(ctx context.Context, deviceID string, x, y int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taps++
	return nil
}

func (f *fakeBackend) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error {
	return nil
}

func (f *fakeBackend) KeyEvent(ctx context.Context, deviceID string, keycode int) error { return nil }

func (f *fakeBackend) Text(ctx context.Context, deviceID, text string) error { return nil }

func (f *fakeBackend) GetClipboard(ctx context.Context, deviceID string) (string, error) {
	return "copied", nil
}

func (f *fakeBackend) SetClipboard(ctx context.Context, deviceID, text string) error { return nil }

func (f *fakeBackend) SetLocation(ctx context.Context, deviceID string, lat, lon float64, alt *float64) error {
	return nil
}

func (f *fakeBackend) PushFile(ctx context.Context, deviceID, localPath, filename string) (string, error) {
	return "/sdcard/Download/" + filename, nil
}

func newTestRegistry(t *testing.T, backend device.Backend, farm *config.Farm) *Registry {
	t.Helper()
	cfg := config.Default()
	cfg.Recording.SpoolDir = t.TempDir()
	return NewRegistry([]device.Backend{backend}, cfg, farm, logging.NewNop(), testMetrics)
}

func TestAttachCreatesActiveSession(t *testing.T) {
	backend := &fakeBackend{deviceID: "dev1", reachable: true}
	registry := newTestRegistry(t, backend, nil)
	defer registry.Shutdown()

	conn := &fakeConn{}
	viewer := NewViewer(conn)

	session, err := registry.Attach(context.Background(), "dev1", viewer)
	require.NoError(t, err)
	assert.Equal(t, StateActive, session.State())
	assert.Equal(t, 1, session.ViewerCount())

	_, ok := registry.Get("dev1")
	assert.True(t, ok)

	// Info arrives before any frame.
	require.Eventually(t, func() bool {
		msgs := conn.snapshot()
		return len(msgs) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs := conn.snapshot()
	assert.Equal(t, "info", typeOf(msgs[0]))
	assert.Equal(t, "frame", typeOf(msgs[1]))

	var info struct {
		DeviceID string `json:"deviceId"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
		Platform string `json:"platform"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].data, &info))
	assert.Equal(t, "dev1", info.DeviceID)
	assert.Equal(t, 1080, info.Width)
	assert.Equal(t, 1920, info.Height)
	assert.Equal(t, "android", info.Platform)
}

func TestLastDetachTearsDownSession(t *testing.T) {
	backend := &fakeBackend{deviceID: "dev1", reachable: true}
	registry := newTestRegistry(t, backend, nil)

	viewer := NewViewer(&fakeConn{})
	session, err := registry.Attach(context.Background(), "dev1", viewer)
	require.NoError(t, err)

	session.Detach(viewer.ID)

	assert.Equal(t, StateClosed, session.State())
	assert.Equal(t, 0, registry.Count())

	// Detach is idempotent.
	session.Detach(viewer.ID)
	assert.Equal(t, 0, registry.Count())
}

func TestSecondViewerSharesSessionAndGetsInfoFirst(t *testing.T) {
	backend := &fakeBackend{deviceID: "dev1", reachable: true}
	registry := newTestRegistry(t, backend, nil)
	defer registry.Shutdown()

	v1 := NewViewer(&fakeConn{})
	s1, err := registry.Attach(context.Background(), "dev1", v1)
	require.NoError(t, err)

	conn2 := &fakeConn{}
	v2 := NewViewer(conn2)
	s2, err := registry.Attach(context.Background(), "dev1", v2)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 2, s1.ViewerCount())

	require.Eventually(t, func() bool {
		return len(conn2.snapshot()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "info", typeOf(conn2.snapshot()[0]))

	// One viewer leaving does not stop the session.
	s1.Detach(v1.ID)
	assert.Equal(t, StateActive, s1.State())
}

func TestAttachUnreachableDevice(t *testing.T) {
	backend := &fakeBackend{deviceID: "dev1", reachable: false}
	registry := newTestRegistry(t, backend, nil)

	conn := &fakeConn{}
	viewer := NewViewer(conn)

	_, err := registry.Attach(context.Background(), "ghost", viewer)
	require.Error(t, err)
	assert.Equal(t, 0, registry.Count())

	require.Eventually(t, func() bool {
		msgs := conn.snapshot()
		return len(msgs) >= 2 && msgs[len(msgs)-1].messageType == websocket.CloseMessage
	}, 2*time.Second, 10*time.Millisecond)

	msgs := conn.snapshot()
	assert.Equal(t, "error", typeOf(msgs[0]))
	closeFrame := msgs[len(msgs)-1].data
	require.GreaterOrEqual(t, len(closeFrame), 2)
	assert.Equal(t, uint16(4404), binary.BigEndian.Uint16(closeFrame[:2]))
}

func TestFarmRestrictsAttachableDevices(t *testing.T) {
	backend := &fakeBackend{deviceID: "dev1", reachable: true}
	farm := &config.Farm{Devices: []config.FarmDevice{{ID: "dev1", Platform: "android"}}}
	registry := newTestRegistry(t, backend, farm)
	defer registry.Shutdown()

	_, err := registry.Attach(context.Background(), "intruder", NewViewer(&fakeConn{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in farm inventory")

	_, err = registry.Attach(context.Background(), "dev1", NewViewer(&fakeConn{}))
	require.NoError(t, err)
}

func TestCommandsFailAfterTeardown(t *testing.T) {
	backend := &fakeBackend{deviceID: "dev1", reachable: true}
	registry := newTestRegistry(t, backend, nil)

	viewer := NewViewer(&fakeConn{})
	session, err := registry.Attach(context.Background(), "dev1", viewer)
	require.NoError(t, err)

	require.NoError(t, session.Tap(context.Background(), 10, 10))

	session.Detach(viewer.ID)

	assert.ErrorIs(t, session.Tap(context.Background(), 10, 10), errNotReady)
	_, err = session.GetClipboard(context.Background())
	assert.ErrorIs(t, err, errNotReady)
}

func TestStreamExitTearsDownSession(t *testing.T) {
	backend := &fakeBackend{
		deviceID:      "dev1",
		reachable:     true,
		streamCommand: &device.Command{Name: "sh", Args: []string{"-c", "printf x"}},
	}
	farm := &config.Farm{Devices: []config.FarmDevice{
		{ID: "dev1", Platform: "android", Capture: config.StrategyStream},
	}}
	registry := newTestRegistry(t, backend, farm)

	conn := &fakeConn{}
	viewer := NewViewer(conn)
	session, err := registry.Attach(context.Background(), "dev1", viewer)
	require.NoError(t, err)

	// The subprocess exits immediately; the session must finish tearing
	// itself down rather than hang in Stopping.
	require.Eventually(t, func() bool {
		return session.State() == StateClosed && registry.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		msgs := conn.snapshot()
		return len(msgs) > 0 && msgs[len(msgs)-1].messageType == websocket.CloseMessage
	}, 2*time.Second, 10*time.Millisecond)

	msgs := conn.snapshot()
	closeFrame := msgs[len(msgs)-1].data
	require.GreaterOrEqual(t, len(closeFrame), 2)
	assert.Equal(t, uint16(4500), binary.BigEndian.Uint16(closeFrame[:2]))
}

func TestCaptureNotAdoptedAfterTeardown(t *testing.T) {
	backend := &fakeBackend{
		deviceID:    "dev1",
		reachable:   true,
		logsCommand: &device.Command{Name: "sleep", Args: []string{"60"}},
	}
	registry := newTestRegistry(t, backend, nil)

	session := newSession("dev1", registry)
	viewer := NewViewer(&fakeConn{})
	session.attach(viewer)

	// Last viewer gone while the device was still being probed.
	session.teardown(0, "")
	require.Equal(t, StateClosed, session.State())

	require.NoError(t, session.startCapture(backend, device.Dimensions{Width: 1080, Height: 1920}))
	session.startLogsChannel(backend)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Nil(t, session.still)
	assert.Nil(t, session.stream)
	assert.Nil(t, session.logs)
}

func TestStartLogsKeepsExistingStream(t *testing.T) {
	backend := &fakeBackend{
		deviceID:    "dev1",
		reachable:   true,
		logsCommand: &device.Command{Name: "sleep", Args: []string{"60"}},
	}
	registry := newTestRegistry(t, backend, nil)
	defer registry.Shutdown()

	viewer := NewViewer(&fakeConn{})
	session, err := registry.Attach(context.Background(), "dev1", viewer)
	require.NoError(t, err)

	session.mu.Lock()
	first := session.logs
	session.mu.Unlock()
	require.NotNil(t, first)

	require.NoError(t, session.StartLogs())

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Same(t, first, session.logs)
}

// fakeInstallerBackend additionally exposes the install capability.
type fakeInstallerBackend struct {
	fakeBackend

	instMu    sync.Mutex
	installed []string
}

func (f *fakeInstallerBackend) Install(ctx context.Context, deviceID, pkgPath string) error {
	f.instMu.Lock()
	defer f.instMu.Unlock()
	f.installed = append(f.installed, pkgPath)
	return nil
}

func TestInstallAppValidatesPackagePayload(t *testing.T) {
	backend := &fakeInstallerBackend{
		fakeBackend: fakeBackend{deviceID: "dev1", reachable: true},
	}
	registry := newTestRegistry(t, backend, nil)
	defer registry.Shutdown()

	viewer := NewViewer(&fakeConn{})
	session, err := registry.Attach(context.Background(), "dev1", viewer)
	require.NoError(t, err)

	_, err = session.InstallApp(context.Background(), "app.apk", []byte("plain text payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an android package")
	assert.Empty(t, backend.installed)

	// Zip local file header magic is enough for detection.
	payload := append([]byte{0x50, 0x4b, 0x03, 0x04}, make([]byte, 64)...)
	name, err := session.InstallApp(context.Background(), "app.apk", payload)
	require.NoError(t, err)
	assert.Equal(t, "app.apk", name)
	assert.Len(t, backend.installed, 1)
}

func TestInstallAppUnsupportedBackend(t *testing.T) {
	// fakeBackend does not expose the install capability.
	backend := &fakeBackend{deviceID: "dev1", reachable: true}
	registry := newTestRegistry(t, backend, nil)
	defer registry.Shutdown()

	viewer := NewViewer(&fakeConn{})
	session, err := registry.Attach(context.Background(), "dev1", viewer)
	require.NoError(t, err)

	_, err = session.InstallApp(context.Background(), "app.apk", []byte{1, 2, 3})
	assert.ErrorIs(t, err, device.ErrUnsupported)
}

func TestViewerWritePumpPreservesOrder(t *testing.T) {
	conn := &fakeConn{}
	viewer := NewViewer(conn)

	assert.True(t, viewer.Send(websocket.TextMessage, []byte("a")))
	assert.True(t, viewer.Send(websocket.TextMessage, []byte("b")))
	assert.True(t, viewer.Send(websocket.TextMessage, []byte("c")))

	require.Eventually(t, func() bool {
		return len(conn.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)

	msgs := conn.snapshot()
	assert.Equal(t, "a", string(msgs[0].data))
	assert.Equal(t, "b", string(msgs[1].data))
	assert.Equal(t, "c", string(msgs[2].data))

	viewer.Close()
	assert.False(t, viewer.Send(websocket.TextMessage, []byte("d")))
}

func TestViewerCloseIdempotent(t *testing.T) {
	viewer := NewViewer(&fakeConn{})
	viewer.Close()
	viewer.Close()
	viewer.CloseWithCode(4500, "late")
}
