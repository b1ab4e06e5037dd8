package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Realtime instruments the realtime channel client and its recorder.
// A nil *Realtime is valid and records nothing.
type Realtime struct {
	ConnectionState   *prometheus.GaugeVec
	ReconnectAttempts prometheus.Counter
	Messages          *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	PendingMessages   prometheus.Gauge
	RecorderFlushed   prometheus.Counter
	RecorderDropped   prometheus.Counter
}

// NewRealtime registers the realtime metrics with reg. A nil reg uses the
// default registerer.
func NewRealtime(reg prometheus.Registerer) *Realtime {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Realtime{
		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ncm_realtime_connection_state",
				Help: "Current realtime connection state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),
		ReconnectAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ncm_realtime_reconnect_attempts_total",
				Help: "Total number of scheduled automatic reconnect attempts",
			},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ncm_realtime_messages_total",
				Help: "Total number of channel payloads received",
			},
			[]string{"channel"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ncm_realtime_errors_total",
				Help: "Total number of realtime client errors",
			},
			[]string{"kind"}, // "dial", "transport", "parse", "send", "close", "exhausted"
		),
		PendingMessages: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ncm_realtime_pending_messages",
				Help: "Control messages queued while the connection is not open",
			},
		),
		RecorderFlushed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ncm_recorder_rows_flushed_total",
				Help: "Total number of channel updates written to the database",
			},
		),
		RecorderDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ncm_recorder_rows_dropped_total",
				Help: "Total number of channel updates dropped because the buffer was full",
			},
		),
	}
}

// SetState marks state as the active one among states.
func (m *Realtime) SetState(state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// RecordReconnect counts one scheduled reconnect attempt.
func (m *Realtime) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// RecordMessage counts one payload for channel.
func (m *Realtime) RecordMessage(channel string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(channel).Inc()
}

// RecordError counts one error of kind.
func (m *Realtime) RecordError(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

// SetPending sets the pending queue depth.
func (m *Realtime) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingMessages.Set(float64(n))
}

// RecordFlushed counts rows written by the recorder.
func (m *Realtime) RecordFlushed(n int) {
	if m == nil {
		return
	}
	m.RecorderFlushed.Add(float64(n))
}

// RecordDropped counts one update the recorder could not buffer.
func (m *Realtime) RecordDropped() {
	if m == nil {
		return
	}
	m.RecorderDropped.Inc()
}
