// Package ws implements the connection gateway: it accepts inbound viewer
// WebSocket connections, resolves the requested device, attaches the viewer
// to its device session, and dispatches viewer commands.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/devicehub/backend/internal/infrastructure/logging"
	"github.com/devicehub/backend/internal/infrastructure/monitoring"
	"github.com/devicehub/backend/internal/protocol"
	"github.com/devicehub/backend/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// commandTimeout bounds a single discrete device command so one stuck
// external process cannot starve the relay.
const commandTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers are same-host browsers; origin is not trusted anyway
	},
}

// Gateway handles viewer WebSocket connections.
type Gateway struct {
	registry *relay.Registry
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// NewGateway creates a gateway over the given session registry.
func NewGateway(registry *relay.Registry, logger *logging.Logger, metrics *monitoring.Metrics) *Gateway {
	return &Gateway{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// HandleConnection upgrades the request and runs the viewer read loop. The
// device identifier arrives as the `device` query parameter; a missing
// identifier is rejected with a distinguishing close code.
func (g *Gateway) HandleConnection(c *gin.Context) {
	deviceID := c.Query("device")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if deviceID == "" {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseMissingDevice, "device id required"))
		conn.Close()
		return
	}

	viewer := relay.NewViewer(conn)
	session, err := g.registry.Attach(c.Request.Context(), deviceID, viewer)
	if err != nil {
		// The viewer already received an error message and close code.
		return
	}

	g.logger.Info("viewer attached",
		zap.String("device_id", deviceID),
		zap.String("viewer_id", viewer.ID.String()),
	)
	defer func() {
		session.Detach(viewer.ID)
		viewer.Close()
		g.logger.Info("viewer detached",
			zap.String("device_id", deviceID),
			zap.String("viewer_id", viewer.ID.String()),
		)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg protocol.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed input never terminates the connection.
			g.logger.Debug("malformed viewer message", zap.Error(err))
			continue
		}

		g.metrics.RecordWSMessage("in", msg.Type)
		g.dispatch(session, viewer, msg)
	}
}

// dispatch routes one viewer command. Gesture events go through the touch
// relay; everything else is a one-shot command with its own result
// reporting.
func (g *Gateway) dispatch(s *relay.Session, v *relay.Viewer, msg protocol.Inbound) {
	switch msg.Type {
	case protocol.TypeTouchDown:
		g.metrics.RecordTouchCommand("down")
		s.TouchDown(msg.X, msg.Y)
	case protocol.TypeTouchMove:
		g.metrics.RecordTouchCommand("move")
		s.TouchMove(msg.X, msg.Y)
	case protocol.TypeTouchUp:
		g.metrics.RecordTouchCommand("up")
		s.TouchUp(msg.X, msg.Y)

	case protocol.TypeTap:
		g.oneShot(v, "tap", func(ctx context.Context) error {
			return s.Tap(ctx, msg.X, msg.Y)
		})
	case protocol.TypeSwipe:
		duration := time.Duration(msg.Duration) * time.Millisecond
		if duration <= 0 {
			duration = 300 * time.Millisecond
		}
		g.oneShot(v, "swipe", func(ctx context.Context) error {
			return s.Swipe(ctx, msg.X1, msg.Y1, msg.X2, msg.Y2, duration)
		})
	case protocol.TypeKeyEvent:
		g.oneShot(v, "keyevent", func(ctx context.Context) error {
			return s.KeyEvent(ctx, msg.Keycode)
		})
	case protocol.TypeText:
		g.oneShot(v, "text", func(ctx context.Context) error {
			return s.Text(ctx, msg.Text)
		})

	case protocol.TypeGetClipboard:
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		text, err := s.GetClipboard(ctx)
		if err != nil {
			g.metrics.RecordDeviceCommand("get_clipboard", "error")
			g.send(v, protocol.Error(err.Error()))
			return
		}
		g.metrics.RecordDeviceCommand("get_clipboard", "ok")
		g.send(v, protocol.Clipboard(text))
	case protocol.TypeSetClipboard:
		g.oneShot(v, "set_clipboard", func(ctx context.Context) error {
			return s.SetClipboard(ctx, msg.Text)
		})

	case protocol.TypeSetLocation:
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := s.SetLocation(ctx, msg.Latitude, msg.Longitude, msg.Altitude); err != nil {
			g.metrics.RecordDeviceCommand("set_location", "error")
			g.send(v, protocol.Error(err.Error()))
			return
		}
		g.metrics.RecordDeviceCommand("set_location", "ok")
		g.send(v, protocol.LocationSet(msg.Latitude, msg.Longitude))

	case protocol.TypeGetDeviceInfo:
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		snapshot, err := s.DeviceInfo(ctx)
		if err != nil {
			g.send(v, protocol.Error(err.Error()))
			return
		}
		g.send(v, protocol.DeviceInfo(snapshot))

	case protocol.TypeUploadFile:
		payload, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			g.send(v, protocol.Error("invalid upload payload"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		name, err := s.Upload(ctx, msg.Filename, payload)
		if err != nil {
			g.metrics.RecordDeviceCommand("upload_file", "error")
			g.send(v, protocol.Error(err.Error()))
			return
		}
		g.metrics.RecordDeviceCommand("upload_file", "ok")
		g.send(v, protocol.FileUploaded(name))

	case protocol.TypeInstallApp:
		payload, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			g.send(v, protocol.Error("invalid package payload"))
			return
		}
		// Installs can take a while on slower devices.
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()
		name, err := s.InstallApp(ctx, msg.Filename, payload)
		if err != nil {
			g.metrics.RecordDeviceCommand("install_app", "error")
			g.send(v, protocol.Error(err.Error()))
			return
		}
		g.metrics.RecordDeviceCommand("install_app", "ok")
		g.send(v, protocol.AppInstalled(name))

	case protocol.TypeStartRecording:
		if err := s.StartRecording(); err != nil {
			g.send(v, protocol.Error(err.Error()))
		}
	case protocol.TypeStopRecording:
		if err := s.StopRecording(); err != nil {
			g.send(v, protocol.Error(err.Error()))
		}
	case protocol.TypeStartLogs:
		if err := s.StartLogs(); err != nil {
			g.send(v, protocol.Error(err.Error()))
		}
	case protocol.TypeStopLogs:
		if err := s.StopLogs(); err != nil {
			g.send(v, protocol.Error(err.Error()))
		}

	default:
		g.logger.Debug("unknown viewer message type", zap.String("type", msg.Type))
	}
}

// oneShot runs a discrete device command with a bounded timeout, reporting
// failure to the requesting viewer only.
func (g *Gateway) oneShot(v *relay.Viewer, kind string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		g.metrics.RecordDeviceCommand(kind, "error")
		g.send(v, protocol.Error(err.Error()))
		return
	}
	g.metrics.RecordDeviceCommand(kind, "ok")
}

func (g *Gateway) send(v *relay.Viewer, msg protocol.Outbound) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	g.metrics.RecordWSMessage("out", msg.Type)
	v.Send(websocket.TextMessage, data)
}
