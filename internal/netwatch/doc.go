// Package netwatch detects when network reachability comes back.
//
// The Watcher:
//   - Probes the download service host on a fixed interval
//   - Tracks online/offline transitions
//   - Fires a callback on every offline -> online transition so the realtime
//     client can reconnect without waiting out its back-off delay
package netwatch
