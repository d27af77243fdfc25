package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, ":21", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.MaxConnections)
	assert.Equal(t, 600, cfg.DTPBufSize)
	assert.Equal(t, 50*time.Millisecond, cfg.QueueTimeout)
	assert.Equal(t, "unix", cfg.ListingStyle)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel logrus.Level
	}{
		{name: "debug", logLevel: logrus.DebugLevel},
		{name: "info", logLevel: logrus.InfoLevel},
		{name: "warn", logLevel: logrus.WarnLevel},
		{name: "error", logLevel: logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}
			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.logLevel, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_CustomValues(t *testing.T) {
	cfg := &Config{
		LogLevel:       logrus.DebugLevel,
		ListenAddr:     ":2121",
		MaxConnections: 8,
	}

	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.Equal(t, ":2121", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.MaxConnections)

	logger := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestConfig_ZeroValues(t *testing.T) {
	cfg := &Config{}
	logger := cfg.NewLogger()
	assert.NotNil(t, logger)
	assert.Equal(t, logrus.PanicLevel, logger.GetLevel())
	assert.Equal(t, "", cfg.ListenAddr)
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
