// Package server wires configuration, logging, metrics, platform backends,
// the session registry, and the HTTP/WebSocket surface into one runnable
// service.
package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/devicehub/backend/internal/api/http"
	"github.com/devicehub/backend/internal/api/middleware"
	"github.com/devicehub/backend/internal/api/ws"
	"github.com/devicehub/backend/internal/device"
	"github.com/devicehub/backend/internal/device/android"
	"github.com/devicehub/backend/internal/device/ios"
	"github.com/devicehub/backend/internal/infrastructure/config"
	"github.com/devicehub/backend/internal/infrastructure/logging"
	"github.com/devicehub/backend/internal/infrastructure/monitoring"
	"github.com/devicehub/backend/internal/relay"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	router   *gin.Engine
	registry *relay.Registry
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
}

// New creates a server instance from configuration.
func New(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		logger = logging.NewDefault()
	}

	logger.Info("initializing device relay",
		zap.String("port", cfg.Server.Port),
		zap.Int("frame_rate", cfg.Capture.FrameRate),
		zap.String("capture_strategy", cfg.Capture.Strategy),
	)

	metrics := monitoring.NewMetrics()

	var farm *config.Farm
	if cfg.Farm.File != "" {
		loaded, err := config.LoadFarm(cfg.Farm.File)
		if err != nil {
			return nil, err
		}
		farm = loaded
		logger.Info("farm inventory loaded",
			zap.String("file", cfg.Farm.File),
			zap.Int("devices", len(farm.Devices)),
		)
	}

	// ADB enumeration is cheaper than the iOS tether probe, so it goes
	// first; identifier spaces can overlap between the two.
	runner := device.NewRunner()
	var backends []device.Backend
	if cfg.Android.Enabled {
		backends = append(backends, android.New(cfg.Android.ADBPath, runner))
	}
	if cfg.IOS.Enabled {
		backends = append(backends, ios.New(runner))
	}

	registry := relay.NewRegistry(backends, cfg, farm, logger, metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(registry, logger)
	gateway := ws.NewGateway(registry, logger, metrics)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/devices", handlers.Devices)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", gateway.HandleConnection)

	logger.Info("server initialized",
		zap.Int("platform_backends", len(backends)),
	)

	return &Server{
		router:   router,
		registry: registry,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}, nil
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close tears down every live session and flushes the logger.
func (s *Server) Close() error {
	s.logger.Info("shutting down relay...")
	s.registry.Shutdown()
	s.logger.Sync()
	return nil
}
