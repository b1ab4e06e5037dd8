package connection

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
)

// HandshakeError is returned by Connect when the server answered the upgrade
// request with a non-101 status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake rejected with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Unauthorized reports whether the server rejected the credentials.
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// EventKind identifies what happened on a connection.
type EventKind int

const (
	EventMessage EventKind = iota + 1
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one transport occurrence, delivered in the order it happened.
type Event struct {
	Kind       EventKind
	Data       []byte    // EventMessage: raw text frame
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
	Err        error     // EventError
	Code       int       // EventClose: RFC 6455 close code
	Reason     string    // EventClose
}

// Close codes used by the realtime client.
const (
	CloseAbnormal      = 1006 // Connection dropped without a close frame
	CloseInternalError = 1011 // Sent when abandoning a connection after a failed write
)

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // ws:// or wss:// endpoint
	Header           http.Header   // Extra handshake headers (auth, cookies)
	HandshakeTimeout time.Duration // Dial handshake timeout
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Event channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
	}
}
