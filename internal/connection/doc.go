// Package connection implements the WebSocket transport used by the realtime
// client.
//
// A Client wraps one gorilla/websocket connection:
//   - Dials with a handshake timeout and caller-supplied headers
//   - Serializes writes and applies a write deadline
//   - Reports frames, transport errors and the final close code as an
//     ordered Event stream
//
// Reconnection is not handled here; a Client is single use.
package connection
