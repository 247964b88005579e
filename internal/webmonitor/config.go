package webmonitor

import (
	"time"

	"github.com/facecam/facecam/internal/config"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr           string
	MJPEGInterval  time.Duration
	StatusInterval time.Duration
	JPEGQuality    int
	EnableMetrics  bool
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		MJPEGInterval:  33 * time.Millisecond,
		StatusInterval: time.Second,
		JPEGQuality:    80,
		EnableMetrics:  true,
	}
}

// FromConfig picks the monitor settings out of the application config.
func FromConfig(c config.Config) Config {
	cfg := DefaultConfig()
	cfg.Addr = c.HTTP.Addr
	cfg.EnableMetrics = c.HTTP.EnableMetrics
	if c.HTTP.MJPEGInterval > 0 {
		cfg.MJPEGInterval = c.HTTP.MJPEGInterval
	}
	if c.Status.Interval > 0 {
		cfg.StatusInterval = c.Status.Interval
	}
	return cfg
}
