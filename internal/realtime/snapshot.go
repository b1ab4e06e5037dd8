package realtime

import (
	"time"

	"github.com/goccy/go-json"
)

// Data is the channel cache. Payload bytes are shared with the client and
// must not be modified.
type Data struct {
	Tasks     json.RawMessage
	SysInfo   json.RawMessage
	Scheduler json.RawMessage
	Raw       map[string]json.RawMessage
}

// Snapshot is a read-only copy of the client state taken after the loop
// finished its latest batch of work.
type Snapshot struct {
	State             State
	LastError         error
	ReconnectAttempts int
	LastMessageAt     time.Time
	StatusMessage     string
	CanRetry          bool
	ManualClose       bool
	Subscriptions     []string
	Pages             map[string][]string
	Pending           int
	ReconnectPending  bool
	Data              Data
}

// Snapshot returns the most recently published state.
func (c *Client) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// publish copies loop-owned state into the shared snapshot.
func (c *Client) publish() {
	raw := make(map[string]json.RawMessage, len(c.raw))
	for k, v := range c.raw {
		raw[k] = v
	}

	snap := Snapshot{
		State:             c.state,
		LastError:         c.lastErr,
		ReconnectAttempts: c.attempts,
		LastMessageAt:     c.lastMessageAt,
		StatusMessage:     c.statusMessage,
		CanRetry:          c.canRetry,
		ManualClose:       c.manualClose,
		Subscriptions:     c.active.list(),
		Pages:             c.pages.snapshot(),
		Pending:           len(c.pending),
		ReconnectPending:  c.reconnectTimer != nil,
		Data: Data{
			Tasks:     c.tasks,
			SysInfo:   c.sysInfo,
			Scheduler: c.scheduler,
			Raw:       raw,
		},
	}

	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
}
