package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devicehub/backend/internal/capture"
	"github.com/devicehub/backend/internal/channel"
	"github.com/devicehub/backend/internal/device"
	"github.com/devicehub/backend/internal/infrastructure/config"
	"github.com/devicehub/backend/internal/protocol"
	"github.com/devicehub/backend/internal/shared/id"
	"github.com/devicehub/backend/internal/touch"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the device session lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateActive
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// startTimeout bounds device probing during session start.
const startTimeout = 10 * time.Second

// Session is the per-device multiplexing unit: it owns the capture backend
// and ancillary subprocesses, fans frames and log lines out to every
// attached viewer, and tears itself down when the last viewer detaches.
type Session struct {
	deviceID string
	registry *Registry

	mu      sync.Mutex
	state   State
	viewers map[id.ViewerID]*Viewer

	backend device.Backend
	dims    device.Dimensions

	still    *capture.Still
	stream   *capture.Stream
	logs     *channel.LogStream
	recorder *channel.Recorder
	touch    *touch.Relay
}

func newSession(deviceID string, registry *Registry) *Session {
	return &Session{
		deviceID: deviceID,
		registry: registry,
		state:    StateStarting,
		viewers:  make(map[id.ViewerID]*Viewer),
	}
}

// DeviceID returns the device identifier this session serves.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ViewerCount returns the number of attached viewers.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// attach adds a viewer. A viewer attaching to an Active session receives the
// info message immediately, before any subsequent frame or log fan-out:
// both this enqueue and fan-out hold the session mutex. Returns false when
// the session is stopping or closed; the caller creates a fresh session.
func (s *Session) attach(v *Viewer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStopping, StateClosed:
		return false
	}

	if s.state == StateActive {
		if data, err := s.infoMessage().Encode(); err == nil {
			v.Send(websocket.TextMessage, data)
		}
	}

	s.viewers[v.ID] = v
	if s.registry.metrics != nil {
		s.registry.metrics.ViewersActive.Inc()
	}
	return true
}

// Detach removes a viewer, idempotently. When the last viewer leaves an
// active session the session tears itself down and leaves the registry.
func (s *Session) Detach(viewerID id.ViewerID) {
	s.mu.Lock()
	if _, ok := s.viewers[viewerID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.viewers, viewerID)
	if s.registry.metrics != nil {
		s.registry.metrics.ViewersActive.Dec()
	}
	last := len(s.viewers) == 0 && s.state == StateActive
	s.mu.Unlock()

	if last {
		s.teardown(0, "")
	}
}

// start verifies device reachability, resolves dimensions, and transitions
// to Active. On failure the requesting viewer receives an error message and
// a distinguishing close code, and the session never becomes Active.
func (s *Session) start(ctx context.Context, requester *Viewer) error {
	r := s.registry

	probeCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	backend, err := r.resolveBackend(probeCtx, s.deviceID)
	if err != nil {
		s.startFailure(requester, err)
		return err
	}

	dims, err := backend.Dimensions(probeCtx, s.deviceID)
	if err != nil {
		err = fmt.Errorf("resolve dimensions: %w", err)
		s.startFailure(requester, err)
		return err
	}

	r.logger.Info("device session starting",
		zap.String("device_id", s.deviceID),
		zap.String("platform", string(backend.Platform())),
		zap.Int("width", dims.Width),
		zap.Int("height", dims.Height),
	)

	s.mu.Lock()
	s.backend = backend
	s.dims = dims
	s.state = StateActive
	s.touch = touch.New(&deviceCommander{backend: backend, deviceID: s.deviceID}, r.logger,
		touch.WithWindow(time.Duration(r.cfg.Touch.CoalesceMS)*time.Millisecond),
		touch.WithCommandTimeout(time.Duration(r.cfg.Touch.CommandTimeoutMS)*time.Millisecond),
	)
	s.recorder = channel.NewRecorder(channel.RecorderConfig{
		NewCommand: func(maxDuration time.Duration) (device.Command, string, error) {
			return backend.RecordCommand(s.deviceID, maxDuration)
		},
		Pull: func(ctx context.Context, remote, local string) error {
			return backend.PullFile(ctx, s.deviceID, remote, local)
		},
		SpoolDir:    r.cfg.Recording.SpoolDir,
		MaxDuration: time.Duration(r.cfg.Recording.MaxSeconds) * time.Second,
		OnDone:      s.recordingDone,
		Logger:      r.logger,
	})

	// Everyone attached during Starting gets info now, before any frame.
	if data, encErr := s.infoMessage().Encode(); encErr == nil {
		for _, v := range s.viewers {
			v.Send(websocket.TextMessage, data)
		}
	}
	empty := len(s.viewers) == 0
	s.mu.Unlock()

	if err := s.startCapture(backend, dims); err != nil {
		s.startFailure(requester, err)
		return err
	}
	s.startLogsChannel(backend)

	// All viewers may have detached while the device was being probed.
	if empty {
		s.teardown(0, "")
	}
	return nil
}

// startCapture selects the capture strategy and launches it. The farm
// inventory can override the server default per device; a device that
// cannot stream falls back to still capture unless streaming was demanded
// explicitly.
func (s *Session) startCapture(backend device.Backend, dims device.Dimensions) error {
	r := s.registry

	strategy := r.cfg.Capture.Strategy
	explicit := false
	if entry, ok := r.farm.Lookup(s.deviceID); ok && entry.Capture != "" {
		strategy = entry.Capture
		explicit = true
	}

	if strategy == config.StrategyStream {
		spec, err := backend.StreamCommand(s.deviceID, dims)
		if err == nil {
			stream := capture.NewStream(spec, s.broadcastChunk, s.captureFatal, r.logger)
			if err := stream.Start(); err != nil {
				return err
			}
			// The last viewer may have detached while the device was being
			// probed; a torn-down session must not adopt a live subprocess.
			s.mu.Lock()
			if s.state != StateActive {
				s.mu.Unlock()
				stream.Stop()
				return nil
			}
			s.stream = stream
			s.mu.Unlock()
			return nil
		}
		if explicit {
			return fmt.Errorf("stream capture unavailable: %w", err)
		}
		r.logger.Warn("stream capture unavailable, falling back to still",
			zap.String("device_id", s.deviceID), zap.Error(err))
	}

	still := capture.NewStill(capture.StillConfig{
		Capture: func(ctx context.Context) ([]byte, string, error) {
			return backend.CaptureFrame(ctx, s.deviceID)
		},
		Emit:      s.broadcastFrame,
		Viewers:   s.ViewerCount,
		FrameRate: r.cfg.Capture.FrameRate,
		Logger:    r.logger,
		OnSkip:    func() { r.metrics.FramesSkipped.Inc() },
		OnFailure: func() { r.metrics.CaptureFailures.Inc() },
	})
	still.Start()

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		still.Stop()
		return nil
	}
	s.still = still
	s.mu.Unlock()
	return nil
}

// startLogsChannel starts log streaming unconditionally; failure degrades
// the channel only.
func (s *Session) startLogsChannel(backend device.Backend) {
	spec, err := backend.LogsCommand(s.deviceID)
	if err != nil {
		return
	}
	logs := channel.NewLogStream(spec, s.broadcastLog, s.registry.logger)
	if err := logs.Start(); err != nil {
		s.registry.logger.Warn("log streaming unavailable",
			zap.String("device_id", s.deviceID), zap.Error(err))
		return
	}
	// State and duplicate checks share the assignment's critical section:
	// a stream started against a torn-down session, or racing another
	// start, is stopped here instead of leaking.
	s.mu.Lock()
	if s.state != StateActive || s.logs != nil {
		s.mu.Unlock()
		logs.Stop()
		return
	}
	s.logs = logs
	s.mu.Unlock()
}

// startFailure reports a failed session start to the requesting viewer and
// discards the session without it ever entering Active.
func (s *Session) startFailure(requester *Viewer, err error) {
	s.registry.logger.Warn("device session start failed",
		zap.String("device_id", s.deviceID),
		zap.Error(err),
	)

	if data, encErr := protocol.Error(err.Error()).Encode(); encErr == nil {
		requester.Send(websocket.TextMessage, data)
	}
	requester.CloseWithCode(protocol.CloseDeviceUnreachable, "device unreachable")

	s.mu.Lock()
	s.state = StateClosed
	for vid, v := range s.viewers {
		delete(s.viewers, vid)
		if s.registry.metrics != nil {
			s.registry.metrics.ViewersActive.Dec()
		}
		if v != requester {
			v.CloseWithCode(protocol.CloseDeviceUnreachable, "device unreachable")
		}
	}
	s.mu.Unlock()
}

// captureFatal handles an unexpected continuous-capture exit: every viewer
// receives an error message and a distinguishing close code, then the
// session is torn down. Only that device is affected.
func (s *Session) captureFatal(err error) {
	if data, encErr := protocol.Error("capture stream failed: " + err.Error()).Encode(); encErr == nil {
		s.broadcastRaw(websocket.TextMessage, data)
	}
	s.teardown(protocol.CloseCaptureFailed, "capture failed")
}

// teardown cancels the capture scheduler, terminates ancillary subprocesses,
// closes any remaining viewers, and removes the session from
// the registry. Idempotent.
func (s *Session) teardown(closeCode int, reason string) {
	s.mu.Lock()
	if s.state == StateStopping || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	still, stream, logs, recorder, tr := s.still, s.stream, s.logs, s.recorder, s.touch
	remaining := make([]*Viewer, 0, len(s.viewers))
	for vid, v := range s.viewers {
		remaining = append(remaining, v)
		delete(s.viewers, vid)
		if s.registry.metrics != nil {
			s.registry.metrics.ViewersActive.Dec()
		}
	}
	s.mu.Unlock()

	if still != nil {
		still.Stop()
	}
	if stream != nil {
		stream.Stop()
	}
	if logs != nil {
		logs.Stop()
	}
	if recorder != nil {
		recorder.Close()
	}
	if tr != nil {
		tr.Close()
	}

	for _, v := range remaining {
		if closeCode != 0 {
			v.CloseWithCode(closeCode, reason)
		} else {
			v.Close()
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.registry.remove(s.deviceID, s)
	s.registry.logger.Info("device session closed", zap.String("device_id", s.deviceID))
}

func (s *Session) infoMessage() protocol.Outbound {
	return protocol.Info(s.deviceID, s.dims.Width, s.dims.Height, string(s.backend.Platform()))
}

// ----------------------------------------------------------------------------
// Fan-out

// broadcastFrame fans one complete still image out to every viewer,
// preserving per-viewer order. A full viewer buffer drops for that viewer
// only.
func (s *Session) broadcastFrame(data []byte, format string) {
	msg := protocol.Frame(format, base64.StdEncoding.EncodeToString(data))
	payload, err := msg.Encode()
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	for _, v := range s.viewers {
		if !v.Send(websocket.TextMessage, payload) {
			s.registry.metrics.FramesDropped.Inc()
		}
	}
	s.registry.metrics.FramesSent.Inc()
}

// broadcastChunk forwards one encoded stream chunk verbatim, no envelope.
func (s *Session) broadcastChunk(chunk []byte) {
	s.registry.metrics.StreamBytes.Add(float64(len(chunk)))
	s.broadcastRaw(websocket.BinaryMessage, chunk)
}

func (s *Session) broadcastLog(line string) {
	payload, err := protocol.Log(line).Encode()
	if err != nil {
		return
	}
	s.broadcastRaw(websocket.TextMessage, payload)
}

func (s *Session) broadcastRaw(messageType int, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.viewers {
		v.Send(messageType, payload)
	}
}

// sendTo delivers a message to a single viewer.
func (s *Session) sendTo(v *Viewer, msg protocol.Outbound) {
	if data, err := msg.Encode(); err == nil {
		v.Send(websocket.TextMessage, data)
	}
}

// ----------------------------------------------------------------------------
// Viewer commands

var errNotReady = fmt.Errorf("session not ready")

func (s *Session) ready() (device.Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.backend == nil {
		return nil, errNotReady
	}
	return s.backend, nil
}

// TouchDown forwards a pointer press to the gesture relay.
func (s *Session) TouchDown(x, y int) {
	if tr := s.touchRelay(); tr != nil {
		tr.TouchDown(x, y)
	}
}

// TouchMove forwards a pointer move to the gesture relay.
func (s *Session) TouchMove(x, y int) {
	if tr := s.touchRelay(); tr != nil {
		tr.TouchMove(x, y)
	}
}

// TouchUp forwards a pointer release to the gesture relay.
func (s *Session) TouchUp(x, y int) {
	if tr := s.touchRelay(); tr != nil {
		tr.TouchUp(x, y)
	}
}

func (s *Session) touchRelay() *touch.Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touch
}

// Tap issues a discrete tap.
func (s *Session) Tap(ctx context.Context, x, y int) error {
	backend, err := s.ready()
	if err != nil {
		return err
	}
	return backend.Tap(ctx, s.deviceID, x, y)
}

// Swipe issues a discrete swipe.
func (s *Session) Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error {
	backend, err := s.ready()
	if err != nil {
		return err
	}
	return backend.Swipe(ctx, s.deviceID, x1, y1, x2, y2, duration)
}

// KeyEvent injects a key code.
func (s *Session) KeyEvent(ctx context.Context, keycode int) error {
	backend, err := s.ready()
	if err != nil {
		return err
	}
	return backend.KeyEvent(ctx, s.deviceID, keycode)
}

// Text types a string on the device.
func (s *Session) Text(ctx context.Context, text string) error {
	backend, err := s.ready()
	if err != nil {
		return err
	}
	return backend.Text(ctx, s.deviceID, text)
}

// GetClipboard reads the device clipboard.
func (s *Session) GetClipboard(ctx context.Context) (string, error) {
	backend, err := s.ready()
	if err != nil {
		return "", err
	}
	return backend.GetClipboard(ctx, s.deviceID)
}

// SetClipboard writes the device clipboard.
func (s *Session) SetClipboard(ctx context.Context, text string) error {
	backend, err := s.ready()
	if err != nil {
		return err
	}
	return backend.SetClipboard(ctx, s.deviceID, text)
}

// SetLocation pushes a mock GPS fix.
func (s *Session) SetLocation(ctx context.Context, lat, lon float64, alt *float64) error {
	backend, err := s.ready()
	if err != nil {
		return err
	}
	return backend.SetLocation(ctx, s.deviceID, lat, lon, alt)
}

// DeviceInfo collects a best-effort metrics snapshot.
func (s *Session) DeviceInfo(ctx context.Context) (device.Metrics, error) {
	backend, err := s.ready()
	if err != nil {
		return device.Metrics{}, err
	}
	return backend.Metrics(ctx, s.deviceID), nil
}

// Upload pushes a viewer-supplied file to the device. The payload lands in
// a temp file first; the detected content type is recorded for the audit
// trail.
func (s *Session) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	backend, err := s.ready()
	if err != nil {
		return "", err
	}

	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("invalid filename %q", filename)
	}

	tmp, err := os.CreateTemp("", "devicehub-upload-*")
	if err != nil {
		return "", fmt.Errorf("spool upload: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("spool upload: %w", err)
	}
	tmp.Close()

	s.registry.logger.Info("pushing file to device",
		zap.String("device_id", s.deviceID),
		zap.String("filename", name),
		zap.String("content_type", mimetype.Detect(data).String()),
		zap.Int("size", len(data)),
	)

	if _, err := backend.PushFile(ctx, s.deviceID, tmp.Name(), name); err != nil {
		return "", err
	}
	return name, nil
}

// InstallApp spools a viewer-supplied package and installs it. Only
// platforms exposing the install capability support this.
func (s *Session) InstallApp(ctx context.Context, filename string, data []byte) (string, error) {
	backend, err := s.ready()
	if err != nil {
		return "", err
	}
	installer, ok := backend.(device.Installer)
	if !ok {
		return "", device.ErrUnsupported
	}

	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("invalid filename %q", filename)
	}

	// APKs are zip containers; anything else fails before it reaches the
	// device. Plain zip is accepted because detection cannot always see the
	// manifest inside.
	mtype := mimetype.Detect(data)
	if !mtype.Is("application/vnd.android.package-archive") && !mtype.Is("application/zip") {
		return "", fmt.Errorf("rejecting package %q: detected %s, not an android package", name, mtype)
	}

	tmp, err := os.CreateTemp("", "devicehub-install-*.apk")
	if err != nil {
		return "", fmt.Errorf("spool package: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("spool package: %w", err)
	}
	tmp.Close()

	s.registry.logger.Info("installing package on device",
		zap.String("device_id", s.deviceID),
		zap.String("filename", name),
		zap.String("content_type", mtype.String()),
		zap.Int("size", len(data)),
	)

	if err := installer.Install(ctx, s.deviceID, tmp.Name()); err != nil {
		return "", err
	}
	return name, nil
}

// StartRecording begins a bounded screen recording.
func (s *Session) StartRecording() error {
	s.mu.Lock()
	recorder := s.recorder
	s.mu.Unlock()
	if recorder == nil {
		return errNotReady
	}
	return recorder.Start()
}

// StopRecording ends the running recording; the artifact is announced to
// all viewers once retrieved.
func (s *Session) StopRecording() error {
	s.mu.Lock()
	recorder := s.recorder
	s.mu.Unlock()
	if recorder == nil {
		return errNotReady
	}
	return recorder.Stop()
}

func (s *Session) recordingDone(recID id.RecordingID, localPath string, err error) {
	if err != nil {
		payload, encErr := protocol.Error("recording failed: " + err.Error()).Encode()
		if encErr == nil {
			s.broadcastRaw(websocket.TextMessage, payload)
		}
		return
	}
	payload, encErr := protocol.Recording(recID.String(), localPath).Encode()
	if encErr == nil {
		s.broadcastRaw(websocket.TextMessage, payload)
	}
}

// StartLogs restarts log streaming if it was stopped. A stream that is
// already running stays untouched; startLogsChannel discards duplicates.
func (s *Session) StartLogs() error {
	backend, err := s.ready()
	if err != nil {
		return err
	}
	s.startLogsChannel(backend)
	return nil
}

// StopLogs stops log streaming.
func (s *Session) StopLogs() error {
	s.mu.Lock()
	logs := s.logs
	s.logs = nil
	s.mu.Unlock()
	if logs != nil {
		logs.Stop()
	}
	return nil
}

// deviceCommander binds a backend to one device for the touch relay.
type deviceCommander struct {
	backend  device.Backend
	deviceID string
}

func (d *deviceCommander) Contact(ctx context.Context, x, y int) error {
	return d.backend.Contact(ctx, d.deviceID, x, y)
}

func (d *deviceCommander) Drag(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error {
	return d.backend.Drag(ctx, d.deviceID, x1, y1, x2, y2, duration)
}

func (d *deviceCommander) Release(ctx context.Context, x, y int) error {
	return d.backend.Release(ctx, d.deviceID, x, y)
}
