// Package http provides the REST surface next to the streaming gateway:
// health, device enumeration, and host statistics.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/devicehub/backend/internal/infrastructure/logging"
	"github.com/devicehub/backend/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const enumerationTimeout = 5 * time.Second

// Handlers holds the REST endpoint implementations.
type Handlers struct {
	registry  *relay.Registry
	logger    *logging.Logger
	startTime time.Time
}

// NewHandlers creates the REST handlers.
func NewHandlers(registry *relay.Registry, logger *logging.Logger) *Handlers {
	return &Handlers{
		registry:  registry,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Root identifies the service.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "devicehub-relay",
		"status":  "running",
	})
}

// Health reports relay liveness plus host resource usage.
func (h *Handlers) Health(c *gin.Context) {
	host := gin.H{}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		host["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		host["mem_percent"] = vm.UsedPercent
		host["mem_total"] = vm.Total
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"sessions":       h.registry.Count(),
		"viewers":        h.registry.ViewerTotal(),
		"host":           host,
	})
}

type deviceSummary struct {
	ID        string `json:"id"`
	Platform  string `json:"platform"`
	Model     string `json:"model,omitempty"`
	OSVersion string `json:"os_version,omitempty"`
	Streaming bool   `json:"streaming"`
}

// Devices enumerates attached devices across every platform backend.
// Properties are resolved best-effort; an unresponsive device still shows
// up with its identifier.
func (h *Handlers) Devices(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), enumerationTimeout)
	defer cancel()

	devices := make([]deviceSummary, 0)
	for _, backend := range h.registry.Backends() {
		ids, err := backend.ListDevices(ctx)
		if err != nil {
			continue
		}
		for _, deviceID := range ids {
			summary := deviceSummary{
				ID:       deviceID,
				Platform: string(backend.Platform()),
			}
			if props, err := backend.Properties(ctx, deviceID); err == nil {
				summary.Model = props.Model
				summary.OSVersion = props.OSVersion
			}
			if _, ok := h.registry.Get(deviceID); ok {
				summary.Streaming = true
			}
			devices = append(devices, summary)
		}
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices})
}
