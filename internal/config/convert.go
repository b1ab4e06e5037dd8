package config

import (
	"github.com/rickgao/ncm-realtime/internal/netwatch"
	"github.com/rickgao/ncm-realtime/internal/realtime"
	"github.com/rickgao/ncm-realtime/internal/recorder"
)

// RealtimeConfig builds the realtime client configuration.
func (c *Config) RealtimeConfig() realtime.Config {
	stages := make([]realtime.Stage, len(c.Reconnect.Stages))
	for i, s := range c.Reconnect.Stages {
		stages[i] = realtime.Stage{UntilAttempt: s.UntilAttempt, Delay: s.Delay}
	}
	return realtime.Config{
		BaseURL:           c.Endpoint.BaseURL,
		Path:              c.Endpoint.Path,
		HandshakeTimeout:  c.Endpoint.HandshakeTimeout,
		WriteTimeout:      c.Endpoint.WriteTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		Reconnect: realtime.Policy{
			MaxAttempts: c.Reconnect.MaxAttempts,
			Stages:      stages,
		},
		UnrecoverableCodes: append([]int(nil), c.Reconnect.UnrecoverableCodes...),
	}
}

// NetwatchConfig builds the watcher configuration, probing the service host.
func (c *Config) NetwatchConfig() (netwatch.Config, error) {
	target, err := netwatch.TargetFromURL(c.Endpoint.BaseURL)
	if err != nil {
		return netwatch.Config{}, err
	}
	return netwatch.Config{
		Target:   target,
		Interval: c.Netwatch.Interval,
		Timeout:  c.Netwatch.Timeout,
	}, nil
}

// RecorderConfig builds the recorder batching configuration.
func (c *Config) RecorderConfig() recorder.Config {
	return recorder.Config{
		BatchSize:     c.Recorder.BatchSize,
		FlushInterval: c.Recorder.FlushInterval,
		BufferSize:    c.Recorder.BufferSize,
	}
}
