package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/devicehub/backend/internal/device"
	"github.com/devicehub/backend/internal/infrastructure/config"
	"github.com/devicehub/backend/internal/infrastructure/logging"
	"github.com/devicehub/backend/internal/infrastructure/monitoring"
	"github.com/devicehub/backend/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Registry is the process-wide mapping from device identifier to its
// session. It is the only shared mutable structure in the relay; one mutex
// serializes all insert and remove operations. Each session's viewer set
// and touch state are owned exclusively by that session.
type Registry struct {
	backends []device.Backend
	cfg      *config.Config
	farm     *config.Farm
	logger   *logging.Logger
	metrics  *monitoring.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a session registry. Backends are probed in order, so
// the cheaper enumeration should come first; device identifier spaces can
// overlap across platforms.
func NewRegistry(backends []device.Backend, cfg *config.Config, farm *config.Farm, logger *logging.Logger, metrics *monitoring.Metrics) *Registry {
	return &Registry{
		backends: backends,
		cfg:      cfg,
		farm:     farm,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// Attach connects a viewer to the device's session, creating the session on
// first attach. On start failure the viewer has already received an error
// message and a distinguishing close code.
func (r *Registry) Attach(ctx context.Context, deviceID string, v *Viewer) (*Session, error) {
	if !r.farm.Allows(deviceID) {
		err := fmt.Errorf("device %s not in farm inventory", deviceID)
		if data, encErr := protocol.Error(err.Error()).Encode(); encErr == nil {
			v.Send(websocket.TextMessage, data)
		}
		v.CloseWithCode(protocol.CloseDeviceUnreachable, "device not allowed")
		return nil, err
	}

	for {
		r.mu.Lock()
		s, ok := r.sessions[deviceID]
		if ok {
			if s.attach(v) {
				r.mu.Unlock()
				return s, nil
			}
			// Session is on its way out; drop the stale entry and retry
			// with a fresh one.
			delete(r.sessions, deviceID)
			r.mu.Unlock()
			continue
		}

		s = newSession(deviceID, r)
		s.attach(v)
		r.sessions[deviceID] = s
		r.mu.Unlock()

		r.metrics.SessionsTotal.Inc()
		r.metrics.SessionsActive.Set(float64(r.Count()))
		r.logger.Info("device session created", zap.String("device_id", deviceID))

		if err := s.start(ctx, v); err != nil {
			r.remove(deviceID, s)
			return nil, err
		}
		return s, nil
	}
}

// resolveBackend finds the platform owning the device. Identifier spaces
// can overlap, so each enumeration is tried in registration order.
func (r *Registry) resolveBackend(ctx context.Context, deviceID string) (device.Backend, error) {
	if entry, ok := r.farm.Lookup(deviceID); ok && entry.Platform != "" {
		for _, b := range r.backends {
			if string(b.Platform()) == entry.Platform {
				if b.Reachable(ctx, deviceID) {
					return b, nil
				}
				return nil, fmt.Errorf("device %s not reachable on %s", deviceID, entry.Platform)
			}
		}
		return nil, fmt.Errorf("platform %s not enabled", entry.Platform)
	}

	for _, b := range r.backends {
		if b.Reachable(ctx, deviceID) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("device %s not found on any platform", deviceID)
}

// remove deletes a session if it is still the current entry for its device.
func (r *Registry) remove(deviceID string, s *Session) {
	r.mu.Lock()
	if r.sessions[deviceID] == s {
		delete(r.sessions, deviceID)
	}
	r.mu.Unlock()

	r.metrics.SessionsActive.Set(float64(r.Count()))
}

// Get returns the live session for a device, if any.
func (r *Registry) Get(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ViewerTotal returns the number of attached viewers across all sessions.
func (r *Registry) ViewerTotal() int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	total := 0
	for _, s := range sessions {
		total += s.ViewerCount()
	}
	return total
}

// Backends exposes the registered platform backends, ordered as probed.
func (r *Registry) Backends() []device.Backend {
	return r.backends
}

// Shutdown tears down every live session. Used on server exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.teardown(0, "")
	}
}
