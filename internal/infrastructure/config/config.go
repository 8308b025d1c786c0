package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all relay configuration.
type Config struct {
	Server    ServerConfig
	Capture   CaptureConfig
	Touch     TouchConfig
	Android   AndroidConfig
	IOS       IOSConfig
	Recording RecordingConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Farm      FarmConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// CaptureConfig holds frame capture configuration.
type CaptureConfig struct {
	// FrameRate is the still-capture target rate in Hz, clamped to 30-60.
	FrameRate int `envconfig:"FRAME_RATE" default:"30"`
	// Strategy selects the default capture strategy: "still" or "stream".
	Strategy string `envconfig:"CAPTURE_STRATEGY" default:"still"`
}

// TouchConfig holds gesture relay configuration.
type TouchConfig struct {
	// CoalesceMS is the move-coalescing window, one frame at 60Hz by default.
	CoalesceMS int `envconfig:"TOUCH_COALESCE_MS" default:"16"`
	// CommandTimeoutMS bounds a single device input command.
	CommandTimeoutMS int `envconfig:"TOUCH_COMMAND_TIMEOUT_MS" default:"50"`
}

// AndroidConfig holds ADB tooling configuration.
type AndroidConfig struct {
	ADBPath string `envconfig:"ADB_PATH" default:"adb"`
	Enabled bool   `envconfig:"ANDROID_ENABLED" default:"true"`
}

// IOSConfig holds libimobiledevice tooling configuration.
type IOSConfig struct {
	Enabled bool `envconfig:"IOS_ENABLED" default:"true"`
}

// RecordingConfig holds screen recording configuration.
type RecordingConfig struct {
	SpoolDir   string `envconfig:"RECORDING_SPOOL_DIR" default:"/tmp/devicehub/recordings"`
	MaxSeconds int    `envconfig:"RECORDING_MAX_SECONDS" default:"180"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// FarmConfig points at the optional YAML farm inventory file.
type FarmConfig struct {
	File string `envconfig:"FARM_FILE" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Capture.FrameRate = clampFrameRate(cfg.Capture.FrameRate)
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Capture: CaptureConfig{
			FrameRate: 30,
			Strategy:  StrategyStill,
		},
		Touch: TouchConfig{
			CoalesceMS:       16,
			CommandTimeoutMS: 50,
		},
		Android: AndroidConfig{
			ADBPath: "adb",
			Enabled: true,
		},
		IOS: IOSConfig{
			Enabled: true,
		},
		Recording: RecordingConfig{
			SpoolDir:   "/tmp/devicehub/recordings",
			MaxSeconds: 180,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Capture strategy names.
const (
	StrategyStill  = "still"
	StrategyStream = "stream"
)

func clampFrameRate(rate int) int {
	if rate < 30 {
		return 30
	}
	if rate > 60 {
		return 60
	}
	return rate
}
