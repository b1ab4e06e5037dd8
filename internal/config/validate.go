package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rickgao/ncm-realtime/internal/realtime"
)

// ValidationErrors maps a field path such as "recorder.database.host" to
// what is wrong with it.
type ValidationErrors map[string]string

func (e ValidationErrors) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f + " " + e[f]
	}
	return strings.Join(parts, "; ")
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks that all required fields are set and values are valid.
// The returned error, if any, is a ValidationErrors.
func (c *Config) Validate() error {
	errs := ValidationErrors{}

	if _, err := realtime.BuildEndpoint(c.Endpoint.BaseURL, c.Endpoint.Path); err != nil {
		errs["endpoint.base_url"] = fmt.Sprintf("is invalid: %v", err)
	}
	if c.Endpoint.HandshakeTimeout < 0 {
		errs["endpoint.handshake_timeout"] = "must be >= 0"
	}
	if c.Endpoint.WriteTimeout < 0 {
		errs["endpoint.write_timeout"] = "must be >= 0"
	}

	if c.Reconnect.MaxAttempts < 1 {
		errs["reconnect.max_attempts"] = "must be >= 1"
	}
	if len(c.Reconnect.Stages) == 0 {
		errs["reconnect.stages"] = "must have at least one stage"
	}
	prev := 0
	for i, s := range c.Reconnect.Stages {
		prefix := fmt.Sprintf("reconnect.stages[%d]", i)
		if s.UntilAttempt <= prev {
			errs[prefix+".until_attempt"] = fmt.Sprintf("must be > %d", prev)
		}
		if s.Delay < 0 {
			errs[prefix+".delay"] = "must be >= 0"
		}
		prev = s.UntilAttempt
	}
	for i, code := range c.Reconnect.UnrecoverableCodes {
		if code < 1000 || code > 4999 {
			errs[fmt.Sprintf("reconnect.unrecoverable_codes[%d]", i)] = fmt.Sprintf("must be a close code between 1000 and 4999, got %d", code)
		}
	}

	if c.HeartbeatInterval <= 0 {
		errs["heartbeat_interval"] = "must be > 0"
	}

	for i, ch := range c.Channels {
		if strings.TrimSpace(ch) == "" {
			errs[fmt.Sprintf("channels[%d]", i)] = "must not be empty"
		}
	}

	if c.Netwatch.Enabled {
		if c.Netwatch.Interval <= 0 {
			errs["netwatch.interval"] = "must be > 0"
		}
		if c.Netwatch.Timeout <= 0 {
			errs["netwatch.timeout"] = "must be > 0"
		}
	}

	if c.Recorder.Enabled {
		if c.Recorder.BatchSize < 1 {
			errs["recorder.batch_size"] = "must be >= 1"
		}
		if c.Recorder.BufferSize < 1 {
			errs["recorder.buffer_size"] = "must be >= 1"
		}
		if c.Recorder.FlushInterval <= 0 {
			errs["recorder.flush_interval"] = "must be > 0"
		}
		c.Recorder.Database.validate("recorder.database", errs)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		errs["metrics.port"] = fmt.Sprintf("must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	if !logLevels[strings.ToLower(c.Logging.Level)] {
		errs["logging.level"] = fmt.Sprintf("must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (db *DBConfig) validate(prefix string, errs ValidationErrors) {
	if db.Host == "" {
		errs[prefix+".host"] = "is required"
	}
	if db.Name == "" {
		errs[prefix+".name"] = "is required"
	}
	if db.User == "" {
		errs[prefix+".user"] = "is required"
	}
	if db.Password == "" {
		errs[prefix+".password"] = "is required"
	}
	if db.MaxConns < 1 {
		errs[prefix+".max_conns"] = "must be >= 1"
	}
	if db.MinConns < 0 {
		errs[prefix+".min_conns"] = "must be >= 0"
	}
	if db.MinConns > db.MaxConns {
		errs[prefix+".min_conns"] = fmt.Sprintf("(%d) cannot exceed max_conns (%d)", db.MinConns, db.MaxConns)
	}
}
