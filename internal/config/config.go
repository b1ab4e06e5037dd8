package config

import "time"

// Config is the root configuration for an ncmwatch process.
type Config struct {
	Endpoint          EndpointConfig  `yaml:"endpoint"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	Auth              AuthConfig      `yaml:"auth"`
	Channels          []string        `yaml:"channels"` // Channels the CLI page subscribes to
	Netwatch          NetwatchConfig  `yaml:"netwatch"`
	Recorder          RecorderConfig  `yaml:"recorder"`
	Metrics           MetricsConfig   `yaml:"metrics"`
	Logging           LoggingConfig   `yaml:"logging"`
}

// EndpointConfig locates the download service.
type EndpointConfig struct {
	BaseURL          string        `yaml:"base_url"` // http(s) origin of the service
	Path             string        `yaml:"path"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// ReconnectConfig holds the back-off schedule.
type ReconnectConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	Stages             []StageConfig `yaml:"stages"`
	UnrecoverableCodes []int         `yaml:"unrecoverable_codes"`
}

// StageConfig applies Delay to attempts up to and including UntilAttempt.
type StageConfig struct {
	UntilAttempt int           `yaml:"until_attempt"`
	Delay        time.Duration `yaml:"delay"`
}

// AuthConfig locates the session token.
type AuthConfig struct {
	TokenFile string `yaml:"token_file"`
}

// NetwatchConfig holds reachability probe settings.
type NetwatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RecorderConfig holds channel update recorder settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}
