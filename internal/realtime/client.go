package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rickgao/ncm-realtime/internal/auth"
	"github.com/rickgao/ncm-realtime/internal/connection"
	"github.com/rickgao/ncm-realtime/internal/metrics"
)

// Config configures a realtime Client.
type Config struct {
	BaseURL            string        // Service origin, e.g. http://127.0.0.1:8000
	Path               string        // Endpoint path (default DefaultPath)
	HandshakeTimeout   time.Duration // Dial handshake timeout
	WriteTimeout       time.Duration // Write deadline for sends
	HeartbeatInterval  time.Duration // Interval between {"ping": true} frames
	Reconnect          Policy        // Staged back-off and attempt ceiling
	UnrecoverableCodes []int         // Close codes that stop automatic reconnects
}

// DefaultUnrecoverableCodes are the close codes the service uses for policy
// and authentication rejections.
var DefaultUnrecoverableCodes = []int{1008, 4001, 4003, 4401, 4403}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:               DefaultPath,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       5 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		Reconnect:          DefaultPolicy(),
		UnrecoverableCodes: DefaultUnrecoverableCodes,
	}
}

// TokenSource supplies the session token at connect time.
type TokenSource interface {
	Get() (string, bool)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the transport constructor.
func WithDialer(d connection.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dial = d
		}
	}
}

// WithTokenSource sets where the session token is read from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Realtime) Option {
	return func(c *Client) { c.metrics = m }
}

// Client owns the realtime connection. Create one per application and pass
// it to consumers; every exported method is safe for concurrent use.
type Client struct {
	id      string
	cfg     Config
	logger  *slog.Logger
	dial    connection.Dialer
	tokens  TokenSource
	metrics *metrics.Realtime

	// Inbox for the dispatch loop
	inboxMu sync.Mutex
	inbox   []func()
	wake    chan struct{}
	running atomic.Bool
	ctx     context.Context

	// Loop-owned state
	state         State
	conn          connection.Client
	gen           uint64 // bumped for every connection, stale events are dropped
	manualClose   bool
	needResync    bool // an attempt failed since the last open
	allSubscribed bool
	attempts      int
	lastErr       error
	lastMessageAt time.Time
	statusMessage string
	canRetry      bool
	unrecoverable map[int]struct{}

	active  *channelSet
	pages   *pageRegistry
	pending []controlMessage

	tasks     json.RawMessage
	sysInfo   json.RawMessage
	scheduler json.RawMessage
	raw       map[string]json.RawMessage

	reconnectTimer *time.Timer
	timerSeq       uint64
	heartbeatStop  chan struct{}

	// Published view
	snapMu sync.RWMutex
	snap   Snapshot

	errorListeners  *listenerSet[error]
	updateListeners *listenerSet[Update]
	stateListeners  *listenerSet[StateChange]
}

// New creates a Client in the idle state. Call Run to start processing.
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if len(cfg.Reconnect.Stages) == 0 {
		cfg.Reconnect.Stages = def.Reconnect.Stages
	}
	if cfg.UnrecoverableCodes == nil {
		cfg.UnrecoverableCodes = def.UnrecoverableCodes
	}

	c := &Client{
		id:            uuid.NewString(),
		cfg:           cfg,
		logger:        slog.Default(),
		dial:          connection.NewClient,
		wake:          make(chan struct{}, 1),
		state:         StateIdle,
		unrecoverable: make(map[int]struct{}, len(cfg.UnrecoverableCodes)),
		active:        newChannelSet(),
		pages:         newPageRegistry(),
		raw:           make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, code := range cfg.UnrecoverableCodes {
		c.unrecoverable[code] = struct{}{}
	}

	c.logger = c.logger.With("client_id", c.id)
	c.errorListeners = newListenerSet[error]("error", c.logger)
	c.updateListeners = newListenerSet[Update]("update", c.logger)
	c.stateListeners = newListenerSet[StateChange]("state", c.logger)

	c.metrics.SetState(c.state.String(), stateNames())
	c.publish()

	return c
}

// ID returns the client instance ID used in logs.
func (c *Client) ID() string { return c.id }

// Run processes commands, transport events and timers until ctx is done,
// then closes the connection. It returns ErrAlreadyRunning if called twice.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.ctx = ctx

	c.logger.Info("realtime client started", "base_url", c.cfg.BaseURL, "path", c.cfg.Path)

	// Commands posted before Run are waiting in the inbox.
	c.drain()

	for {
		select {
		case <-ctx.Done():
			c.drain()
			c.disconnect()
			c.publish()
			c.logger.Info("realtime client stopped")
			return nil
		case <-c.wake:
			c.drain()
		}
	}
}

// post enqueues fn for the loop. It never blocks.
func (c *Client) post(fn func()) {
	c.inboxMu.Lock()
	c.inbox = append(c.inbox, fn)
	c.inboxMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// drain runs every queued command in order, then publishes the snapshot.
func (c *Client) drain() {
	for {
		c.inboxMu.Lock()
		batch := c.inbox
		c.inbox = nil
		c.inboxMu.Unlock()

		if len(batch) == 0 {
			break
		}
		for _, fn := range batch {
			fn()
		}
	}
	c.publish()
}

// Connect starts a connection attempt unless one is open or in progress.
// It is called implicitly by every send.
func (c *Client) Connect() { c.post(c.connect) }

// Disconnect closes the connection and cancels every timer. No automatic
// reconnect happens until Connect, RetryConnect or a send.
func (c *Client) Disconnect() { c.post(c.disconnect) }

// RetryConnect resets the attempt counter and reconnects immediately. It is
// the recovery path after an unrecoverable close or exhausted retries.
func (c *Client) RetryConnect() {
	c.post(func() {
		if c.state == StateOpen || c.state == StateConnecting {
			return
		}
		c.logger.Info("manual reconnect requested")
		c.attempts = 0
		c.canRetry = false
		c.statusMessage = ""
		c.cancelReconnect()
		c.connect()
	})
}

// NotifyOnline reports that the network came back. An interrupted connection
// is re-established at once, skipping the back-off delay.
func (c *Client) NotifyOnline() {
	c.post(func() {
		if c.manualClose || c.state == StateOpen || c.state == StateConnecting {
			return
		}
		c.logger.Info("network online, reconnecting")
		c.cancelReconnect()
		c.attempts = 0
		c.canRetry = false
		c.statusMessage = ""
		c.connect()
	})
}

// Subscribe adds channels to the active set and asks the server to push them.
func (c *Client) Subscribe(channels ...string) {
	list := normalizeChannels(channels)
	c.post(func() { c.subscribe(list) })
}

// Unsubscribe removes channels from the active set and tells the server.
func (c *Client) Unsubscribe(channels ...string) {
	list := normalizeChannels(channels)
	c.post(func() { c.unsubscribe(list) })
}

// SubscribeAll asks the server to push every channel it knows.
func (c *Client) SubscribeAll() {
	c.post(func() {
		c.allSubscribed = true
		c.send(subscribeMessage(ChannelAll))
	})
}

// UnsubscribeAll clears the active set and stops every push. Page entries
// are left in place.
func (c *Client) UnsubscribeAll() {
	c.post(func() {
		c.allSubscribed = false
		c.active.clear()
		c.send(unsubscribeMessage(ChannelAll))
	})
}

// EnterPage records the channels page key needs and subscribes to each of
// them. Entering the same key again replaces its channel list.
func (c *Client) EnterPage(key string, channels ...string) {
	list := normalizeChannels(channels)
	c.post(func() {
		if len(list) == 0 {
			return
		}
		registered := c.pages.enter(key, list)
		c.logger.Debug("page entered", "page", key, "channels", registered)
		c.subscribe(registered)
	})
}

// LeavePage forgets page key and unsubscribes every channel it registered,
// including channels another page still lists.
func (c *Client) LeavePage(key string) {
	c.post(func() {
		channels, ok := c.pages.leave(key)
		if !ok {
			return
		}
		c.logger.Debug("page left", "page", key, "channels", channels)
		c.unsubscribe(channels)
	})
}

// OnError registers a listener for transport and parse errors. The returned
// function removes it.
func (c *Client) OnError(fn func(error)) func() {
	return c.errorListeners.add(fn)
}

// OnUpdate registers a listener called for every channel payload received.
func (c *Client) OnUpdate(fn func(Update)) func() {
	return c.updateListeners.add(fn)
}

// OnStateChange registers a listener called on every state transition.
func (c *Client) OnStateChange(fn func(StateChange)) func() {
	return c.stateListeners.add(fn)
}

func (c *Client) subscribe(list []string) {
	if len(list) == 0 {
		return
	}
	for _, ch := range list {
		c.active.add(ch)
	}
	for _, ch := range list {
		c.send(subscribeMessage(ch))
	}
}

func (c *Client) unsubscribe(list []string) {
	if len(list) == 0 {
		return
	}
	for _, ch := range list {
		c.active.remove(ch)
	}
	for _, ch := range list {
		c.send(unsubscribeMessage(ch))
	}
}

// connect begins a dial on a fresh transport.
func (c *Client) connect() {
	if c.state == StateConnecting || c.state == StateOpen {
		return
	}
	c.cancelReconnect()
	c.manualClose = false

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	url, err := BuildEndpoint(c.cfg.BaseURL, c.cfg.Path)
	if err != nil {
		c.setState(StateConnecting)
		c.setState(StateError)
		c.recordError("dial", fmt.Errorf("%w: %v", ErrTransport, err))
		c.closed(connection.CloseAbnormal, "")
		return
	}

	c.setState(StateConnecting)
	c.gen++
	gen := c.gen

	cfg := connection.DefaultClientConfig()
	cfg.URL = url
	cfg.Header = c.header()
	if c.cfg.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = c.cfg.HandshakeTimeout
	}
	if c.cfg.WriteTimeout > 0 {
		cfg.WriteTimeout = c.cfg.WriteTimeout
	}

	conn := c.dial(cfg, c.logger.With("conn_gen", gen))
	c.conn = conn

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.Debug("connecting", "url", url, "attempt", c.attempts)

	go func() {
		err := conn.Connect(ctx)
		c.post(func() { c.dialed(gen, conn, err) })
		if err != nil {
			return
		}
		for ev := range conn.Events() {
			c.post(func() { c.handleEvent(gen, ev) })
		}
	}()
}

func (c *Client) header() http.Header {
	if c.tokens == nil {
		return http.Header{}
	}
	tok, ok := c.tokens.Get()
	if !ok {
		return http.Header{}
	}
	return auth.Header(tok)
}

// dialed handles the result of a connection attempt.
func (c *Client) dialed(gen uint64, conn connection.Client, err error) {
	if gen != c.gen {
		if err == nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		var hsErr *connection.HandshakeError
		if errors.As(err, &hsErr) && hsErr.Unauthorized() {
			c.conn = nil
			c.setState(StateClosed)
			c.stop(fmt.Errorf("%w: %v", ErrAuthRejected, err),
				"authentication rejected by the download service; sign in again and retry")
			return
		}
		c.setState(StateError)
		c.recordError("dial", fmt.Errorf("%w: %v", ErrTransport, err))
		c.closed(connection.CloseAbnormal, "")
		return
	}

	c.opened()
}

// opened runs the connecting -> open transition.
func (c *Client) opened() {
	c.setState(StateOpen)
	c.attempts = 0
	c.lastErr = nil
	c.canRetry = false
	c.statusMessage = ""

	c.logger.Info("realtime connected", "pending", len(c.pending), "resync", c.needResync)

	c.flushPending()
	if c.state != StateOpen {
		return
	}

	if c.needResync {
		catchUp := c.active.list()
		if c.allSubscribed {
			catchUp = append([]string{ChannelAll}, catchUp...)
		}
		for _, ch := range catchUp {
			c.send(subscribeMessage(ch))
			if c.state != StateOpen {
				return
			}
		}
		c.needResync = false
	}

	c.startHeartbeat()
}

func (c *Client) handleEvent(gen uint64, ev connection.Event) {
	if gen != c.gen {
		return
	}

	switch ev.Kind {
	case connection.EventMessage:
		c.lastMessageAt = ev.ReceivedAt
		c.handleFrame(ev.Data, ev.ReceivedAt)
	case connection.EventError:
		c.setState(StateError)
		c.recordError("transport", fmt.Errorf("%w: %v", ErrTransport, ev.Err))
	case connection.EventClose:
		c.logger.Info("realtime connection closed", "code", ev.Code, "reason", ev.Reason)
		c.closed(ev.Code, ev.Reason)
	}
}

// closed runs the transition into closed and decides what happens next.
func (c *Client) closed(code int, reason string) {
	c.stopHeartbeat()
	c.conn = nil
	c.setState(StateClosed)

	if c.manualClose {
		c.attempts = 0
		return
	}

	if _, ok := c.unrecoverable[code]; ok {
		c.metrics.RecordError("close")
		c.stop(fmt.Errorf("%w: code %d %s", ErrUnrecoverableClose, code, reason), closeMessage(code, reason))
		return
	}

	c.needResync = true
	c.scheduleReconnect()
}

// stop enters the error state without arming a reconnect. Only RetryConnect
// (or a network online signal) leaves it.
func (c *Client) stop(err error, message string) {
	c.cancelReconnect()
	c.lastErr = err
	c.statusMessage = message
	c.canRetry = true
	c.needResync = true
	c.setState(StateError)
	c.logger.Warn("realtime connection stopped", "error", err, "message", message)
	c.errorListeners.notify(err)
}

func (c *Client) scheduleReconnect() {
	if c.reconnectTimer != nil {
		return
	}

	if c.cfg.Reconnect.Exhausted(c.attempts) {
		c.metrics.RecordError("exhausted")
		c.stop(fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, c.attempts),
			fmt.Sprintf("realtime connection lost after %d attempts; retry manually", c.attempts))
		return
	}

	c.attempts++
	delay := c.cfg.Reconnect.Delay(c.attempts)
	c.metrics.RecordReconnect()

	c.timerSeq++
	seq := c.timerSeq
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.post(func() {
			if seq != c.timerSeq || c.reconnectTimer == nil {
				return
			}
			c.reconnectTimer = nil
			c.connect()
		})
	})

	c.logger.Info("reconnect scheduled",
		"attempt", c.attempts,
		"max_attempts", c.cfg.Reconnect.MaxAttempts,
		"delay", delay,
	)
}

func (c *Client) cancelReconnect() {
	if c.reconnectTimer == nil {
		return
	}
	c.reconnectTimer.Stop()
	c.reconnectTimer = nil
	c.timerSeq++
}

func (c *Client) disconnect() {
	c.manualClose = true
	c.stopHeartbeat()
	c.cancelReconnect()
	c.attempts = 0
	c.gen++

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close failed", "error", err)
		}
		c.conn = nil
	}

	c.setState(StateClosed)
}

// ensureConnected starts a connection when nothing is open, in flight or
// scheduled.
func (c *Client) ensureConnected() {
	if c.state == StateIdle || (c.state == StateClosed && c.reconnectTimer == nil) {
		c.connect()
	}
}

// send writes msg if the connection is open and nothing is queued ahead of
// it; otherwise msg joins the pending queue.
func (c *Client) send(msg controlMessage) {
	c.ensureConnected()

	if c.state != StateOpen || c.conn == nil || len(c.pending) > 0 {
		c.pending = append(c.pending, msg)
		c.metrics.SetPending(len(c.pending))
		return
	}

	if err := c.write(msg); err != nil {
		c.pending = append([]controlMessage{msg}, c.pending...)
		c.metrics.SetPending(len(c.pending))
		c.recordError("send", err)
		c.dropConnection()
	}
}

// dropConnection abandons a transport that failed a write and runs the close
// path itself; a local close emits no close event.
func (c *Client) dropConnection() {
	if c.conn == nil {
		return
	}
	c.gen++
	if err := c.conn.CloseWithCode(connection.CloseInternalError, "write failed"); err != nil {
		c.logger.Debug("close failed", "error", err)
	}
	c.setState(StateError)
	c.closed(connection.CloseAbnormal, "")
}

func (c *Client) write(msg controlMessage) error {
	data, err := msg.encode()
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrSend, err)
	}
	if err := c.conn.Send(data); err != nil {
		return fmt.Errorf("%w %s: %v", ErrSend, data, err)
	}
	return nil
}

// flushPending sends queued messages in FIFO order. On the first failure the
// message stays at the head of the queue and the connection is dropped.
func (c *Client) flushPending() {
	var failed bool
	for len(c.pending) > 0 {
		if c.state != StateOpen || c.conn == nil {
			break
		}
		msg := c.pending[0]
		if err := c.write(msg); err != nil {
			c.recordError("send", err)
			failed = true
			break
		}
		c.pending = c.pending[1:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	c.metrics.SetPending(len(c.pending))

	if failed {
		c.dropConnection()
	}
}

func (c *Client) startHeartbeat() {
	c.stopHeartbeat()

	stop := make(chan struct{})
	c.heartbeatStop = stop
	interval := c.cfg.HeartbeatInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.post(func() {
					if c.heartbeatStop != stop || c.state != StateOpen {
						return
					}
					c.send(pingMessage())
				})
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	if c.heartbeatStop == nil {
		return
	}
	close(c.heartbeatStop)
	c.heartbeatStop = nil
}

// handleFrame merges one inbound frame into the caches.
func (c *Client) handleFrame(data []byte, receivedAt time.Time) {
	frame, ok, err := decodeFrame(data)
	if err != nil {
		c.recordError("parse", err)
		return
	}
	if !ok {
		c.logger.Debug("ignoring non-object frame", "bytes", len(data))
		return
	}

	keys := sortedKeys(frame)
	for _, key := range keys {
		payload := frame[key]
		c.raw[key] = payload

		switch key {
		case ChannelTasks:
			c.tasks = payload
		case ChannelSysInfo:
			c.sysInfo = payload
		case ChannelScheduler:
			c.scheduler = payload
		}
		c.metrics.RecordMessage(key)
	}

	for _, key := range keys {
		c.updateListeners.notify(Update{Channel: key, Payload: frame[key], ReceivedAt: receivedAt})
	}
}

// recordError stores err and tells listeners. Only transport failures move
// the state to error; callers do that themselves.
func (c *Client) recordError(kind string, err error) {
	c.lastErr = err
	c.metrics.RecordError(kind)
	c.logger.Warn("realtime error", "kind", kind, "error", err)
	c.errorListeners.notify(err)
}

func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.metrics.SetState(s.String(), stateNames())
	c.logger.Debug("state changed", "from", from, "to", s)
	c.stateListeners.notify(StateChange{From: from, To: s})
}

func closeMessage(code int, reason string) string {
	var msg string
	switch code {
	case 4001, 4401:
		msg = "authentication required by the download service"
	case 4003, 4403:
		msg = "access to the realtime channel was denied"
	case 1008:
		msg = "connection rejected by server policy"
	default:
		msg = fmt.Sprintf("connection closed by server (code %d)", code)
	}
	if reason != "" {
		msg += ": " + reason
	}
	return msg + "; retry manually"
}

func stateNames() []string {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = s.String()
	}
	return names
}
