package realtime

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// Known channels pushed by the download service.
const (
	ChannelTasks     = "tasks"
	ChannelSysInfo   = "sysInfo"
	ChannelScheduler = "scheduler"

	// ChannelAll is the bulk target understood by subscribe/unsubscribe.
	ChannelAll = "all"
)

// Errors
var (
	ErrParse              = errors.New("parse inbound frame")
	ErrTransport          = errors.New("websocket transport error")
	ErrSend               = errors.New("send control message")
	ErrRetriesExhausted   = errors.New("reconnect attempts exhausted")
	ErrUnrecoverableClose = errors.New("connection closed by server")
	ErrAuthRejected       = errors.New("websocket handshake rejected")
	ErrAlreadyRunning     = errors.New("client loop already running")
)

// controlMessage is an outbound control frame. Exactly one field is set.
type controlMessage struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
	Ping        bool   `json:"ping,omitempty"`
}

func subscribeMessage(channel string) controlMessage {
	return controlMessage{Subscribe: channel}
}

func unsubscribeMessage(channel string) controlMessage {
	return controlMessage{Unsubscribe: channel}
}

func pingMessage() controlMessage {
	return controlMessage{Ping: true}
}

// String returns the wire encoding, used in logs and tests.
func (m controlMessage) String() string {
	data, err := m.encode()
	if err != nil {
		return "<invalid>"
	}
	return string(data)
}

func (m controlMessage) encode() ([]byte, error) {
	return json.Marshal(m)
}

// Update is one channel payload taken from an inbound frame.
type Update struct {
	Channel    string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// decodeFrame splits an inbound frame into its top-level keys.
// ok is false for valid JSON that is not an object; err is set only when the
// frame is not JSON at all.
func decodeFrame(data []byte) (frame map[string]json.RawMessage, ok bool, err error) {
	if !json.Valid(data) {
		return nil, false, fmt.Errorf("%w: invalid JSON (%d bytes)", ErrParse, len(data))
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false, nil
	}

	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return frame, true, nil
}

// sortedKeys returns the frame keys in a stable order.
func sortedKeys(frame map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(frame))
	for k := range frame {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
