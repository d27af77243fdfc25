package config

import (
	"time"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Config holds every knob spec.md §6 calls out for the FTP listener,
// PI, and DTP, plus the ambient logging level.
type Config struct {
	LogLevel logrus.Level `json:"log_level"`

	ListenAddr     string        `json:"listen_addr" default:":21"`
	MaxConnections int           `json:"max_connections" default:"4"`
	RecvBufSize    int           `json:"recv_buf_size" default:"512"`
	SendBufSize    int           `json:"send_buf_size" default:"512"`
	PathBufSize    int           `json:"path_buf_size" default:"256"`
	DTPBufSize     int           `json:"dtp_buf_size" default:"600"`
	MaxCredentialLen int         `json:"max_credential_len" default:"64"`
	QueueTimeout   time.Duration `json:"queue_timeout" default:"50ms"`
	EventHistory   uint32        `json:"event_history" default:"64"`
	Root           string        `json:"root" default:"."`
	ListingStyle   string        `json:"listing_style" default:"unix"` // "unix" or "fat"
}

// DefaultConfig returns a Config populated from the `default` struct
// tags above via go-defaults, the same decoration mechanism the
// teacher's dependency set already carries.
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
