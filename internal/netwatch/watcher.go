package netwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"
)

// ErrNoTarget is returned by New when no probe target is configured.
var ErrNoTarget = errors.New("netwatch: no probe target")

// Prober checks whether target is reachable.
type Prober interface {
	Probe(ctx context.Context, target string) error
}

// ProberFunc is a function adapter for Prober.
type ProberFunc func(ctx context.Context, target string) error

func (f ProberFunc) Probe(ctx context.Context, target string) error {
	return f(ctx, target)
}

// TCPProber dials target over TCP and closes the connection.
type TCPProber struct{}

func (TCPProber) Probe(ctx context.Context, target string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Config holds watcher configuration.
type Config struct {
	Target   string        // host:port to probe
	Interval time.Duration // Probe interval (default: 5s)
	Timeout  time.Duration // Per-probe timeout (default: 2s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Timeout:  2 * time.Second,
	}
}

// TargetFromURL derives a host:port probe target from a service URL.
func TargetFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrNoTarget, raw)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithProber replaces the TCP prober.
func WithProber(p Prober) Option {
	return func(w *Watcher) {
		if p != nil {
			w.prober = p
		}
	}
}

// Watcher probes the target and reports offline -> online transitions.
type Watcher struct {
	cfg      Config
	prober   Prober
	onOnline func()
	logger   *slog.Logger

	// online is nil until the first probe. Written by Run, read by Online.
	mu     sync.Mutex
	online *bool
}

// New creates a Watcher. onOnline is called from the Run goroutine.
func New(cfg Config, onOnline func(), logger *slog.Logger, opts ...Option) (*Watcher, error) {
	if cfg.Target == "" {
		return nil, ErrNoTarget
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		cfg:      cfg,
		prober:   TCPProber{},
		onOnline: onOnline,
		logger:   logger.With("component", "netwatch", "target", cfg.Target),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run probes until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("network watcher started", "interval", w.cfg.Interval)

	// Probe immediately on start.
	w.check(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("network watcher stopped")
			return nil
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// Online reports the last observed reachability. ok is false before the
// first probe completes.
func (w *Watcher) Online() (online, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.online == nil {
		return false, false
	}
	return *w.online, true
}

func (w *Watcher) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	err := w.prober.Probe(probeCtx, w.cfg.Target)
	cancel()

	if ctx.Err() != nil {
		return
	}

	up := err == nil
	w.mu.Lock()
	prev := w.online
	w.online = &up
	w.mu.Unlock()

	switch {
	case prev == nil:
		w.logger.Debug("initial reachability", "online", up)
	case *prev && !up:
		w.logger.Warn("network offline", "err", err)
	case !*prev && up:
		w.logger.Info("network online")
		if w.onOnline != nil {
			w.onOnline()
		}
	}
}
