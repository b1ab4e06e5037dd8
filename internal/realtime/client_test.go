package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/ncm-realtime/internal/auth"
	"github.com/rickgao/ncm-realtime/internal/connection"
)

// fakeConn is an in-memory connection.Client driven by the test.
type fakeConn struct {
	cfg        connection.ClientConfig
	connectErr error
	gate       chan struct{} // Connect blocks until closed when non-nil

	mu      sync.Mutex
	sent    []string
	sendErr error
	events  chan connection.Event
	open      bool
	closed    bool
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan connection.Event, 100)}
}

func (f *fakeConn) Connect(ctx context.Context) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return connection.ErrAlreadyClosed
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.open = true
	return nil
}

func (f *fakeConn) Close() error { return f.CloseWithCode(1000, "") }

func (f *fakeConn) CloseWithCode(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.open = false
	f.closeCode = code
	close(f.events)
	return nil
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return connection.ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeConn) Events() <-chan connection.Event { return f.events }

func (f *fakeConn) push(ev connection.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

func (f *fakeConn) message(data string) {
	f.push(connection.Event{Kind: connection.EventMessage, Data: []byte(data), ReceivedAt: time.Now()})
}

// serverClose simulates the server ending the connection with code.
func (f *fakeConn) serverClose(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if code == connection.CloseAbnormal {
		f.events <- connection.Event{Kind: connection.EventError, Err: errors.New("unexpected EOF")}
	}
	f.events <- connection.Event{Kind: connection.EventClose, Code: code, Reason: reason}
	f.closed = true
	f.open = false
	close(f.events)
}

func (f *fakeConn) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeConn) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) localCloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer hands out fakeConns. prepare, when set, configures the n-th
// connection (starting at 0) before it is returned.
type fakeDialer struct {
	prepare func(n int, fc *fakeConn)

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(cfg connection.ClientConfig, _ *slog.Logger) connection.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	fc := newFakeConn()
	fc.cfg = cfg
	if d.prepare != nil {
		d.prepare(len(d.conns), fc)
	}
	d.conns = append(d.conns, fc)
	return fc
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(t *testing.T, n int) *fakeConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.conns) > n {
			fc := d.conns[n]
			d.mu.Unlock()
			return fc
		}
		d.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for connection %d", n)
	return nil
}

func testClientConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseURL = "http://127.0.0.1:8000"
	cfg.HeartbeatInterval = time.Hour
	cfg.Reconnect = Policy{
		MaxAttempts: 3,
		Stages:      []Stage{{UntilAttempt: 3, Delay: 5 * time.Millisecond}},
	}
	return cfg
}

// startClient runs a client on a fake transport until the test ends.
func startClient(t *testing.T, cfg Config, d *fakeDialer, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithDialer(d.dial)}, opts...)
	c := New(cfg, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			t.Errorf("Run returned %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func waitFor(t *testing.T, c *Client, desc string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := c.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s; state=%s pending=%d attempts=%d",
				desc, snap.State, snap.Pending, snap.ReconnectAttempts)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, c *Client, s State) Snapshot {
	t.Helper()
	return waitFor(t, c, "state "+s.String(), func(snap Snapshot) bool { return snap.State == s })
}

func waitSent(t *testing.T, fc *fakeConn, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		sent := fc.sentMessages()
		if len(sent) >= n {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d sent messages, have %v", n, sent)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// onLoop runs fn on the dispatch loop and waits for it.
func onLoop(t *testing.T, c *Client, fn func()) {
	t.Helper()
	done := make(chan struct{})
	c.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for loop")
	}
}

// waitConnected waits until fc is the client's open connection.
func waitConnected(t *testing.T, c *Client, fc *fakeConn) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var ok bool
		onLoop(t, c, func() { ok = c.state == StateOpen && c.conn == connection.Client(fc) })
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for connection to open")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func assertMessages(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("sent %d messages %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestClient_NewIsIdle(t *testing.T) {
	c := New(testClientConfig())

	snap := c.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("State = %s, want idle", snap.State)
	}
	if c.ID() == "" {
		t.Error("expected client id")
	}
	if snap.Data.Raw == nil {
		t.Error("expected empty raw cache")
	}
}

func TestClient_RunTwice(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	waitFor(t, c, "loop running", func(Snapshot) bool { return c.running.Load() })
	if err := c.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}
}

func TestClient_ConnectOpens(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	var mu sync.Mutex
	var changes []StateChange
	c.OnStateChange(func(sc StateChange) {
		mu.Lock()
		changes = append(changes, sc)
		mu.Unlock()
	})

	c.Connect()
	waitState(t, c, StateOpen)

	fc := d.conn(t, 0)
	if fc.cfg.URL != "ws://127.0.0.1:8000/ws/ncm/download" {
		t.Errorf("URL = %q", fc.cfg.URL)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []StateChange{{StateIdle, StateConnecting}, {StateConnecting, StateOpen}}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestClient_ConnectWhileOpenIsNoop(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	c.Connect()
	waitState(t, c, StateOpen)
	c.Connect()
	c.Connect()
	onLoop(t, c, func() {})

	if d.count() != 1 {
		t.Errorf("dial count = %d, want 1", d.count())
	}
}

func TestClient_TokenHeader(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d, WithTokenSource(auth.NewMemoryStore("secret")))

	c.Connect()
	waitState(t, c, StateOpen)

	fc := d.conn(t, 0)
	if got := fc.cfg.Header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret")
	}
}

func TestClient_SendQueuedUntilOpen(t *testing.T) {
	gate := make(chan struct{})
	d := &fakeDialer{prepare: func(n int, fc *fakeConn) { fc.gate = gate }}
	c := startClient(t, testClientConfig(), d)

	// Subscribing connects implicitly.
	c.Subscribe(ChannelTasks)
	c.SubscribeAll()
	c.Subscribe(ChannelSysInfo)

	snap := waitFor(t, c, "three pending", func(s Snapshot) bool { return s.Pending == 3 })
	if snap.State != StateConnecting {
		t.Errorf("State = %s, want connecting", snap.State)
	}

	close(gate)
	waitState(t, c, StateOpen)

	fc := d.conn(t, 0)
	assertMessages(t, waitSent(t, fc, 3), []string{
		`{"subscribe":"tasks"}`,
		`{"subscribe":"all"}`,
		`{"subscribe":"sysInfo"}`,
	})

	snap = waitFor(t, c, "empty queue", func(s Snapshot) bool { return s.Pending == 0 })
	if d.count() != 1 {
		t.Errorf("dial count = %d, want 1", d.count())
	}
	if len(snap.Subscriptions) != 2 {
		t.Errorf("Subscriptions = %v", snap.Subscriptions)
	}
}

func TestClient_SendWhileOpen(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	c.Connect()
	waitState(t, c, StateOpen)

	c.Subscribe(ChannelScheduler)
	c.Unsubscribe(ChannelScheduler)
	c.UnsubscribeAll()

	fc := d.conn(t, 0)
	assertMessages(t, waitSent(t, fc, 3), []string{
		`{"subscribe":"scheduler"}`,
		`{"unsubscribe":"scheduler"}`,
		`{"unsubscribe":"all"}`,
	})
}

func TestClient_PendingFlushedBeforeCatchUp(t *testing.T) {
	gate := make(chan struct{})
	d := &fakeDialer{prepare: func(n int, fc *fakeConn) {
		if n == 1 {
			fc.gate = gate
		}
	}}
	c := startClient(t, testClientConfig(), d)

	c.EnterPage("dashboard", ChannelTasks, ChannelSysInfo)
	waitState(t, c, StateOpen)
	first := d.conn(t, 0)
	waitSent(t, first, 2)

	first.serverClose(connection.CloseAbnormal, "")

	// The reconnect dial blocks; anything sent meanwhile is queued.
	second := d.conn(t, 1)
	waitState(t, c, StateConnecting)
	c.Subscribe(ChannelScheduler)
	waitFor(t, c, "queued subscribe", func(s Snapshot) bool { return s.Pending == 1 })

	close(gate)
	waitConnected(t, c, second)

	assertMessages(t, waitSent(t, second, 4), []string{
		`{"subscribe":"scheduler"}`,
		`{"subscribe":"tasks"}`,
		`{"subscribe":"sysInfo"}`,
		`{"subscribe":"scheduler"}`,
	})
}

func TestClient_CatchUpReplaysSubscribeAll(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	c.SubscribeAll()
	c.Subscribe(ChannelTasks)
	waitState(t, c, StateOpen)
	first := d.conn(t, 0)
	waitSent(t, first, 2)

	first.serverClose(connection.CloseAbnormal, "")

	second := d.conn(t, 1)
	waitConnected(t, c, second)
	assertMessages(t, waitSent(t, second, 2), []string{
		`{"subscribe":"all"}`,
		`{"subscribe":"tasks"}`,
	})
}

func TestClient_NoCatchUpOnFirstOpen(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	c.Connect()
	waitState(t, c, StateOpen)
	onLoop(t, c, func() {})

	if sent := d.conn(t, 0).sentMessages(); len(sent) != 0 {
		t.Errorf("sent %v on first open, want nothing", sent)
	}
}

func TestClient_RetryCeiling(t *testing.T) {
	var fail sync.Map
	d := &fakeDialer{prepare: func(n int, fc *fakeConn) {
		if _, ok := fail.Load("off"); !ok {
			fc.connectErr = errors.New("connection refused")
		}
	}}
	c := startClient(t, testClientConfig(), d)

	var mu sync.Mutex
	var errs []error
	c.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	c.Connect()
	snap := waitFor(t, c, "retries exhausted", func(s Snapshot) bool { return s.State == StateError && s.CanRetry })

	if !errors.Is(snap.LastError, ErrRetriesExhausted) {
		t.Errorf("LastError = %v, want ErrRetriesExhausted", snap.LastError)
	}
	if snap.ReconnectAttempts != 3 {
		t.Errorf("ReconnectAttempts = %d, want 3", snap.ReconnectAttempts)
	}
	if snap.ReconnectPending {
		t.Error("expected no reconnect timer after exhaustion")
	}
	if snap.StatusMessage == "" {
		t.Error("expected status message")
	}

	// Initial attempt plus three retries, then nothing.
	time.Sleep(50 * time.Millisecond)
	if d.count() != 4 {
		t.Errorf("dial count = %d, want 4", d.count())
	}

	mu.Lock()
	last := errs[len(errs)-1]
	mu.Unlock()
	if !errors.Is(last, ErrRetriesExhausted) {
		t.Errorf("last listener error = %v, want ErrRetriesExhausted", last)
	}

	fail.Store("off", true)
	c.RetryConnect()
	snap = waitState(t, c, StateOpen)
	if snap.ReconnectAttempts != 0 || snap.CanRetry || snap.LastError != nil {
		t.Errorf("after retry: attempts=%d canRetry=%v lastErr=%v", snap.ReconnectAttempts, snap.CanRetry, snap.LastError)
	}
}

func TestClient_DialFailureAttemptsGrow(t *testing.T) {
	d := &fakeDialer{prepare: func(n int, fc *fakeConn) {
		if n < 2 {
			fc.connectErr = errors.New("connection refused")
		}
	}}
	c := startClient(t, testClientConfig(), d)

	var mu sync.Mutex
	var seen []State
	c.OnStateChange(func(sc StateChange) {
		mu.Lock()
		seen = append(seen, sc.To)
		mu.Unlock()
	})

	c.Connect()
	snap := waitState(t, c, StateOpen)
	if snap.ReconnectAttempts != 0 {
		t.Errorf("ReconnectAttempts = %d after open, want 0", snap.ReconnectAttempts)
	}
	if d.count() != 3 {
		t.Errorf("dial count = %d, want 3", d.count())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{
		StateConnecting, StateError, StateClosed,
		StateConnecting, StateError, StateClosed,
		StateConnecting, StateOpen,
	}
	if len(seen) != len(want) {
		t.Fatalf("states = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestClient_UnrecoverableClose(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	c.Connect()
	waitState(t, c, StateOpen)
	d.conn(t, 0).serverClose(4001, "token expired")

	snap := waitFor(t, c, "stopped", func(s Snapshot) bool { return s.State == StateError && s.CanRetry })
	if !errors.Is(snap.LastError, ErrUnrecoverableClose) {
		t.Errorf("LastError = %v, want ErrUnrecoverableClose", snap.LastError)
	}
	if snap.ReconnectPending {
		t.Error("expected no reconnect timer")
	}
	if snap.StatusMessage == "" {
		t.Error("expected status message")
	}

	time.Sleep(50 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("dial count = %d, want 1", d.count())
	}

	c.RetryConnect()
	waitState(t, c, StateOpen)
	if d.count() != 2 {
		t.Errorf("dial count = %d, want 2", d.count())
	}
}

func TestClient_CustomUnrecoverableCodes(t *testing.T) {
	cfg := testClientConfig()
	cfg.UnrecoverableCodes = []int{4999}
	d := &fakeDialer{}
	c := startClient(t, cfg, d)

	c.Connect()
	waitState(t, c, StateOpen)

	// 4001 is no longer special and is retried.
	d.conn(t, 0).serverClose(4001, "")
	waitConnected(t, c, d.conn(t, 1))

	d.conn(t, 1).serverClose(4999, "")
	waitFor(t, c, "stopped", func(s Snapshot) bool { return s.State == StateError && s.CanRetry })
}

func TestClient_HandshakeUnauthorized(t *testing.T) {
	d := &fakeDialer{prepare: func(n int, fc *fakeConn) {
		fc.connectErr = &connection.HandshakeError{StatusCode: 401, Err: errors.New("bad handshake")}
	}}
	c := startClient(t, testClientConfig(), d)

	c.Connect()
	snap := waitFor(t, c, "stopped", func(s Snapshot) bool { return s.State == StateError && s.CanRetry })
	if !errors.Is(snap.LastError, ErrAuthRejected) {
		t.Errorf("LastError = %v, want ErrAuthRejected", snap.LastError)
	}

	time.Sleep(50 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("dial count = %d, want 1", d.count())
	}
}

func TestClient_TransportErrorThenReconnect(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	var mu sync.Mutex
	var errs []error
	c.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	c.Connect()
	waitState(t, c, StateOpen)
	d.conn(t, 0).serverClose(connection.CloseAbnormal, "")
	waitConnected(t, c, d.conn(t, 1))

	mu.Lock()
	defer mu.Unlock()
	if len(errs) == 0 || !errors.Is(errs[0], ErrTransport) {
		t.Errorf("errors = %v, want a transport error first", errs)
	}
}

func TestClient_DisconnectStopsReconnect(t *testing.T) {
	cfg := testClientConfig()
	cfg.Reconnect.Stages = []Stage{{UntilAttempt: 3, Delay: 30 * time.Millisecond}}
	d := &fakeDialer{}
	c := startClient(t, cfg, d)

	c.Connect()
	waitState(t, c, StateOpen)
	d.conn(t, 0).serverClose(connection.CloseAbnormal, "")
	waitFor(t, c, "reconnect pending", func(s Snapshot) bool { return s.ReconnectPending })

	c.Disconnect()
	snap := waitFor(t, c, "manual close", func(s Snapshot) bool { return s.ManualClose })
	if snap.State != StateClosed {
		t.Errorf("State = %s, want closed", snap.State)
	}
	if snap.ReconnectPending {
		t.Error("expected timer to be cancelled")
	}

	time.Sleep(100 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("dial count = %d, want 1", d.count())
	}
}

func TestClient_DisconnectWhileOpen(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	c.Connect()
	waitState(t, c, StateOpen)
	c.Disconnect()

	snap := waitFor(t, c, "manual close", func(s Snapshot) bool { return s.ManualClose })
	if snap.State != StateClosed {
		t.Errorf("State = %s, want closed", snap.State)
	}
	if !d.conn(t, 0).isClosed() {
		t.Error("expected transport to be closed")
	}

	time.Sleep(50 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("dial count = %d, want 1", d.count())
	}

	// A send after a manual close reconnects.
	c.Subscribe(ChannelTasks)
	waitState(t, c, StateOpen)
	assertMessages(t, waitSent(t, d.conn(t, 1), 1), []string{`{"subscribe":"tasks"}`})
}

func TestClient_DisconnectWhileConnecting(t *testing.T) {
	gate := make(chan struct{})
	d := &fakeDialer{prepare: func(n int, fc *fakeConn) { fc.gate = gate }}
	c := startClient(t, testClientConfig(), d)

	c.Connect()
	waitState(t, c, StateConnecting)
	c.Disconnect()
	waitState(t, c, StateClosed)

	// The superseded attempt finishes and must be discarded.
	close(gate)
	time.Sleep(30 * time.Millisecond)
	if s := c.Snapshot().State; s != StateClosed {
		t.Errorf("State = %s, want closed", s)
	}
}

func TestClient_NotifyOnline(t *testing.T) {
	cfg := testClientConfig()
	cfg.Reconnect.Stages = []Stage{{UntilAttempt: 3, Delay: time.Hour}}
	d := &fakeDialer{prepare: func(n int, fc *fakeConn) {
		if n == 0 {
			fc.connectErr = errors.New("network unreachable")
		}
	}}
	c := startClient(t, cfg, d)

	c.Connect()
	waitFor(t, c, "reconnect pending", func(s Snapshot) bool { return s.ReconnectPending })

	c.NotifyOnline()
	snap := waitState(t, c, StateOpen)
	if d.count() != 2 {
		t.Errorf("dial count = %d, want 2", d.count())
	}
	if snap.ReconnectPending {
		t.Error("expected timer to be cancelled")
	}
}

func TestClient_NotifyOnlineFromIdle(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	c.NotifyOnline()
	waitState(t, c, StateOpen)
	if d.count() != 1 {
		t.Errorf("dial count = %d, want 1", d.count())
	}
}

func TestClient_NotifyOnlineIgnored(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	c.Connect()
	waitState(t, c, StateOpen)

	// Already open.
	c.NotifyOnline()
	onLoop(t, c, func() {})
	if d.count() != 1 {
		t.Errorf("dial count = %d after online while open, want 1", d.count())
	}

	c.Disconnect()
	waitFor(t, c, "manual close", func(s Snapshot) bool { return s.ManualClose })

	c.NotifyOnline()
	onLoop(t, c, func() {})
	if d.count() != 1 {
		t.Errorf("dial count = %d after online following disconnect, want 1", d.count())
	}
}

func TestNew_FillsReconnectPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   Policy
	}{
		{"empty", Policy{}, DefaultPolicy()},
		{"attempts only", Policy{MaxAttempts: 5}, Policy{MaxAttempts: 5, Stages: DefaultPolicy().Stages}},
		{
			"stages only",
			Policy{Stages: []Stage{{UntilAttempt: 2, Delay: time.Second}}},
			Policy{MaxAttempts: 10, Stages: []Stage{{UntilAttempt: 2, Delay: time.Second}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Reconnect = tt.policy
			c := New(cfg)

			got := c.cfg.Reconnect
			if got.MaxAttempts != tt.want.MaxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", got.MaxAttempts, tt.want.MaxAttempts)
			}
			if len(got.Stages) != len(tt.want.Stages) {
				t.Fatalf("Stages = %v, want %v", got.Stages, tt.want.Stages)
			}
			for i := range got.Stages {
				if got.Stages[i] != tt.want.Stages[i] {
					t.Errorf("Stages[%d] = %v, want %v", i, got.Stages[i], tt.want.Stages[i])
				}
			}
			if got.Delay(1) <= 0 {
				t.Errorf("Delay(1) = %v, want > 0", got.Delay(1))
			}
		})
	}
}

func TestClient_FrameMerge(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	var mu sync.Mutex
	var updates []string
	c.OnUpdate(func(u Update) {
		mu.Lock()
		updates = append(updates, u.Channel+"="+string(u.Payload))
		mu.Unlock()
	})

	c.Connect()
	waitState(t, c, StateOpen)
	fc := d.conn(t, 0)

	fc.message(`{"tasks":{"a":1},"sysInfo":{"b":2}}`)
	fc.message(`{"tasks":{"a":2}}`)

	snap := waitFor(t, c, "second frame", func(s Snapshot) bool { return string(s.Data.Tasks) == `{"a":2}` })
	if string(snap.Data.SysInfo) != `{"b":2}` {
		t.Errorf("SysInfo = %s, want {\"b\":2}", snap.Data.SysInfo)
	}
	if snap.Data.Scheduler != nil {
		t.Errorf("Scheduler = %s, want nil", snap.Data.Scheduler)
	}
	if snap.LastMessageAt.IsZero() {
		t.Error("expected LastMessageAt to be set")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{`sysInfo={"b":2}`, `tasks={"a":1}`, `tasks={"a":2}`}
	if len(updates) != len(want) {
		t.Fatalf("updates = %v, want %v", updates, want)
	}
	for i := range want {
		if updates[i] != want[i] {
			t.Errorf("update %d = %s, want %s", i, updates[i], want[i])
		}
	}
}

func TestClient_UnknownChannelKeptRaw(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	c.Connect()
	waitState(t, c, StateOpen)
	d.conn(t, 0).message(`{"downloads":[1,2],"scheduler":{"next":"02:00"}}`)

	snap := waitFor(t, c, "frame", func(s Snapshot) bool { return s.Data.Scheduler != nil })
	if string(snap.Data.Raw["downloads"]) != `[1,2]` {
		t.Errorf("Raw[downloads] = %s", snap.Data.Raw["downloads"])
	}
	if string(snap.Data.Raw["scheduler"]) != `{"next":"02:00"}` {
		t.Errorf("Raw[scheduler] = %s", snap.Data.Raw["scheduler"])
	}
}

func TestClient_ParseErrorKeepsState(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	errCh := make(chan error, 4)
	c.OnError(func(err error) { errCh <- err })

	c.Connect()
	waitState(t, c, StateOpen)
	fc := d.conn(t, 0)

	fc.message(`{"tasks":{"a":1}}`)
	fc.message(`{"tasks":`)
	fc.message(`[1,2,3]`)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrParse) {
			t.Errorf("error = %v, want ErrParse", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected parse error")
	}

	// Frames are handled in order, so once this one lands the array was seen.
	fc.message(`{"sysInfo":{"up":1}}`)
	snap := waitFor(t, c, "marker frame", func(s Snapshot) bool { return s.Data.SysInfo != nil })
	if snap.State != StateOpen {
		t.Errorf("State = %s, want open", snap.State)
	}
	if string(snap.Data.Tasks) != `{"a":1}` {
		t.Errorf("Tasks = %s, want cache untouched", snap.Data.Tasks)
	}
	select {
	case err := <-errCh:
		t.Errorf("unexpected error for non-object frame: %v", err)
	default:
	}
}

func TestClient_SendFailureReconnects(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	errCh := make(chan error, 4)
	c.OnError(func(err error) { errCh <- err })

	c.Connect()
	waitState(t, c, StateOpen)
	first := d.conn(t, 0)
	first.setSendErr(errors.New("write: broken pipe"))

	c.Subscribe(ChannelTasks)
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSend) {
			t.Errorf("error = %v, want ErrSend", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected send error")
	}

	// The broken transport is abandoned and a new one is dialed.
	second := d.conn(t, 1)
	if !first.isClosed() {
		t.Error("expected failed connection to be closed")
	}
	if code := first.localCloseCode(); code != connection.CloseInternalError {
		t.Errorf("close code = %d, want %d", code, connection.CloseInternalError)
	}
	waitConnected(t, c, second)

	c.Subscribe(ChannelSysInfo)
	assertMessages(t, waitSent(t, second, 3), []string{
		`{"subscribe":"tasks"}`,
		`{"subscribe":"tasks"}`,
		`{"subscribe":"sysInfo"}`,
	})
	waitFor(t, c, "queue drained", func(s Snapshot) bool { return s.Pending == 0 && s.State == StateOpen })
}

func TestClient_HeartbeatFailureReconnects(t *testing.T) {
	cfg := testClientConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	d := &fakeDialer{}
	c := startClient(t, cfg, d)

	c.Connect()
	waitState(t, c, StateOpen)
	d.conn(t, 0).setSendErr(errors.New("i/o timeout"))

	second := d.conn(t, 1)
	waitConnected(t, c, second)

	sent := waitSent(t, second, 2)
	if sent[0] != `{"ping":true}` {
		t.Errorf("first message on new connection = %s, want requeued ping", sent[0])
	}
}

func TestClient_EnterLeavePage(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	c.Connect()
	waitState(t, c, StateOpen)
	fc := d.conn(t, 0)

	c.EnterPage("p1", ChannelTasks)
	c.EnterPage("p2", ChannelTasks, ChannelSysInfo)
	waitSent(t, fc, 3)

	c.LeavePage("p1")
	sent := waitSent(t, fc, 4)
	if sent[3] != `{"unsubscribe":"tasks"}` {
		t.Errorf("leave sent %s, want unsubscribe tasks", sent[3])
	}

	snap := waitFor(t, c, "p1 gone", func(s Snapshot) bool { return len(s.Pages) == 1 })
	if len(snap.Subscriptions) != 1 || snap.Subscriptions[0] != ChannelSysInfo {
		t.Errorf("Subscriptions = %v, want [sysInfo]", snap.Subscriptions)
	}
	if _, ok := snap.Pages["p2"]; !ok {
		t.Errorf("Pages = %v, want p2 kept", snap.Pages)
	}

	// Leaving an unknown page sends nothing.
	c.LeavePage("missing")
	onLoop(t, c, func() {})
	if n := len(fc.sentMessages()); n != 4 {
		t.Errorf("sent %d messages, want 4", n)
	}
}

func TestClient_EnterPageReplaces(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	c.Connect()
	waitState(t, c, StateOpen)

	c.EnterPage("p", ChannelTasks, ChannelTasks, "")
	c.EnterPage("p", ChannelScheduler)
	c.EnterPage("empty")
	snap := waitFor(t, c, "replaced", func(s Snapshot) bool {
		list := s.Pages["p"]
		return len(list) == 1 && list[0] == ChannelScheduler
	})
	if _, ok := snap.Pages["empty"]; ok {
		t.Error("page with no channels should not be registered")
	}

	c.LeavePage("p")
	sent := waitSent(t, d.conn(t, 0), 3)
	assertMessages(t, sent, []string{
		`{"subscribe":"tasks"}`,
		`{"subscribe":"scheduler"}`,
		`{"unsubscribe":"scheduler"}`,
	})
}

func TestClient_PagesUnion(t *testing.T) {
	tests := []struct {
		name  string
		enter map[string][]string
		leave []string
		want  []string
	}{
		{"single page", map[string][]string{"a": {"tasks"}}, nil, []string{"tasks"}},
		{"disjoint pages", map[string][]string{"a": {"tasks"}, "b": {"sysInfo", "scheduler"}}, nil, []string{"scheduler", "sysInfo", "tasks"}},
		{"leave one", map[string][]string{"a": {"tasks"}, "b": {"sysInfo"}}, []string{"a"}, []string{"sysInfo"}},
		{"leave all", map[string][]string{"a": {"tasks"}, "b": {"sysInfo"}}, []string{"a", "b"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDialer{}
			c := startClient(t, testClientConfig(), d)

			for key, chans := range tt.enter {
				c.EnterPage(key, chans...)
			}
			for _, key := range tt.leave {
				c.LeavePage(key)
			}

			var got []string
			onLoop(t, c, func() { got = c.active.list() })
			sort.Strings(got)
			if len(got) != len(tt.want) {
				t.Fatalf("active = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("active = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestClient_UnsubscribeAllKeepsPages(t *testing.T) {
	d := &fakeDialer{}
	c := startClient(t, testClientConfig(), d)

	c.EnterPage("p", ChannelTasks)
	c.SubscribeAll()
	c.UnsubscribeAll()

	snap := waitFor(t, c, "cleared", func(s Snapshot) bool { return s.State == StateOpen && s.Pending == 0 })
	if len(snap.Subscriptions) != 0 {
		t.Errorf("Subscriptions = %v, want none", snap.Subscriptions)
	}
	if len(snap.Pages) != 1 {
		t.Errorf("Pages = %v, want p kept", snap.Pages)
	}
	onLoop(t, c, func() {
		if c.allSubscribed {
			t.Error("allSubscribed should be cleared")
		}
	})
}

func TestClient_Heartbeat(t *testing.T) {
	cfg := testClientConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	d := &fakeDialer{}
	c := startClient(t, cfg, d)

	c.Connect()
	waitState(t, c, StateOpen)
	fc := d.conn(t, 0)

	sent := waitSent(t, fc, 2)
	for _, msg := range sent {
		if msg != `{"ping":true}` {
			t.Errorf("unexpected message %s", msg)
		}
	}

	c.Disconnect()
	waitState(t, c, StateClosed)
	n := len(fc.sentMessages())
	time.Sleep(50 * time.Millisecond)
	if got := len(fc.sentMessages()); got != n {
		t.Errorf("pings continued after disconnect: %d -> %d", n, got)
	}
}

func TestClient_ListenerPanicIsolated(t *testing.T) {
	d := &fakeDialer{prepare: func(n int, fc *fakeConn) {
		fc.connectErr = &connection.HandshakeError{StatusCode: 403, Err: errors.New("forbidden")}
	}}
	c := startClient(t, testClientConfig(), d)

	c.OnError(func(error) { panic("listener bug") })
	got := make(chan error, 1)
	c.OnError(func(err error) { got <- err })

	c.Connect()
	select {
	case err := <-got:
		if !errors.Is(err, ErrAuthRejected) {
			t.Errorf("error = %v, want ErrAuthRejected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second listener not called")
	}

	// The loop survived the panic.
	onLoop(t, c, func() {})
}

func TestClient_InvalidBaseURL(t *testing.T) {
	cfg := testClientConfig()
	cfg.BaseURL = "ftp://example.com"
	d := &fakeDialer{}
	c := startClient(t, cfg, d)

	c.Connect()
	snap := waitFor(t, c, "exhausted", func(s Snapshot) bool { return s.State == StateError && s.CanRetry })
	if !errors.Is(snap.LastError, ErrRetriesExhausted) {
		t.Errorf("LastError = %v, want ErrRetriesExhausted", snap.LastError)
	}
	if d.count() != 0 {
		t.Errorf("dial count = %d, want 0", d.count())
	}
}

func TestClient_RunStopsOnCancel(t *testing.T) {
	d := &fakeDialer{}
	c := New(testClientConfig(), WithDialer(d.dial))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.Connect()
	waitState(t, c, StateOpen)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if s := c.Snapshot().State; s != StateClosed {
		t.Errorf("State = %s, want closed", s)
	}
	if !d.conn(t, 0).isClosed() {
		t.Error("expected transport closed on shutdown")
	}
}
