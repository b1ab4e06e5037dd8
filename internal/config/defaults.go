package config

import (
	"time"

	"github.com/rickgao/ncm-realtime/internal/realtime"
)

// Default values for optional configuration fields.
const (
	DefaultBaseURL           = "http://127.0.0.1:8000"
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxAttempts       = 10
	DefaultTokenFile         = "ncm-auth.yaml"
	DefaultNetwatchInterval  = 5 * time.Second
	DefaultNetwatchTimeout   = 2 * time.Second
	DefaultBatchSize         = 500
	DefaultFlushInterval     = 2 * time.Second
	DefaultBufferSize        = 5000
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
	DefaultLogLevel          = "info"
)

// DefaultStages is the back-off schedule: 1s for attempts 1-3, 5s for 4-6,
// 15s after that.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{UntilAttempt: 3, Delay: 1 * time.Second},
		{UntilAttempt: 6, Delay: 5 * time.Second},
		{UntilAttempt: DefaultMaxAttempts, Delay: 15 * time.Second},
	}
}

// DefaultChannels are subscribed by the CLI when none are configured.
func DefaultChannels() []string {
	return []string{realtime.ChannelTasks, realtime.ChannelSysInfo, realtime.ChannelScheduler}
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	// Endpoint defaults
	if c.Endpoint.BaseURL == "" {
		c.Endpoint.BaseURL = DefaultBaseURL
	}
	if c.Endpoint.Path == "" {
		c.Endpoint.Path = realtime.DefaultPath
	}
	if c.Endpoint.HandshakeTimeout == 0 {
		c.Endpoint.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Endpoint.WriteTimeout == 0 {
		c.Endpoint.WriteTimeout = DefaultWriteTimeout
	}

	// Reconnect defaults
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if len(c.Reconnect.Stages) == 0 {
		c.Reconnect.Stages = DefaultStages()
	}
	if c.Reconnect.UnrecoverableCodes == nil {
		c.Reconnect.UnrecoverableCodes = append([]int(nil), realtime.DefaultUnrecoverableCodes...)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.Auth.TokenFile == "" {
		c.Auth.TokenFile = DefaultTokenFile
	}
	if len(c.Channels) == 0 {
		c.Channels = DefaultChannels()
	}

	// Netwatch defaults
	if c.Netwatch.Interval == 0 {
		c.Netwatch.Interval = DefaultNetwatchInterval
	}
	if c.Netwatch.Timeout == 0 {
		c.Netwatch.Timeout = DefaultNetwatchTimeout
	}

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultBufferSize
	}
	applyDBDefaults(&c.Recorder.Database)

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
