// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Realtime connection state (one-hot gauge per state)
//   - Reconnect attempts and errors by kind
//   - Inbound messages per channel
//   - Pending outbound queue depth
//   - Recorder flushes and dropped updates
package metrics
