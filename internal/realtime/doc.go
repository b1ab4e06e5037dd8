// Package realtime implements the client for the download service's realtime
// channel endpoint.
//
// A single Client owns one logical connection:
//   - Tracks the connection state (idle, connecting, open, closed, error)
//   - Reconnects with a staged back-off up to a fixed attempt ceiling
//   - Queues control messages while disconnected and flushes them on open
//   - Keeps the latest payload per channel plus a raw catch-all map
//   - Lets pages register and release channel interest by key
//
// All state is owned by the goroutine running Client.Run. Exported methods
// enqueue work for that loop and return immediately; callers observe results
// through Snapshot and the On* listener hooks.
package realtime
