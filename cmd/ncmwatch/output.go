package main

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/rickgao/ncm-realtime/internal/realtime"
	"github.com/rickgao/ncm-realtime/internal/version"
)

// updatePrinter writes one line per channel update.
type updatePrinter struct {
	mu       sync.Mutex
	w        io.Writer
	jsonMode bool
}

func newUpdatePrinter(w io.Writer, jsonMode bool) *updatePrinter {
	return &updatePrinter{w: w, jsonMode: jsonMode}
}

type updateLine struct {
	Channel    string          `json:"channel"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Print matches realtime.Client.OnUpdate.
func (p *updatePrinter) Print(u realtime.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.jsonMode {
		fmt.Fprintf(p.w, "%s %-10s %s\n", u.ReceivedAt.Format(time.RFC3339), u.Channel, u.Payload)
		return
	}

	payload := u.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	data, err := json.Marshal(updateLine{Channel: u.Channel, ReceivedAt: u.ReceivedAt.UTC(), Payload: payload})
	if err != nil {
		fmt.Fprintf(p.w, "{\"channel\":%q,\"error\":%q}\n", u.Channel, err.Error())
		return
	}
	p.w.Write(append(data, '\n'))
}

// snapshotter is the part of the realtime client the health check needs.
type snapshotter interface {
	Snapshot() realtime.Snapshot
}

type healthReport struct {
	Status            string     `json:"status"`
	State             string     `json:"state"`
	Version           string     `json:"version"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	Subscriptions     []string   `json:"subscriptions"`
	Pending           int        `json:"pending"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	StatusMessage     string     `json:"status_message,omitempty"`
	CanRetry          bool       `json:"can_retry"`
}

// healthHandler reports the realtime connection. It answers 503 only when
// the client stopped retrying.
func healthHandler(c snapshotter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := c.Snapshot()

		report := healthReport{
			Status:            "degraded",
			State:             snap.State.String(),
			Version:           version.Version,
			ReconnectAttempts: snap.ReconnectAttempts,
			Subscriptions:     snap.Subscriptions,
			Pending:           snap.Pending,
			StatusMessage:     snap.StatusMessage,
			CanRetry:          snap.CanRetry,
		}
		if !snap.LastMessageAt.IsZero() {
			at := snap.LastMessageAt.UTC()
			report.LastMessageAt = &at
		}
		if snap.LastError != nil {
			report.LastError = snap.LastError.Error()
		}
		if report.Subscriptions == nil {
			report.Subscriptions = []string{}
		}

		status := http.StatusOK
		switch {
		case snap.State == realtime.StateOpen:
			report.Status = "healthy"
		case snap.State == realtime.StateError && snap.CanRetry:
			report.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(report)
	})
}
