package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/ncm-realtime/internal/auth"
	"github.com/rickgao/ncm-realtime/internal/config"
	"github.com/rickgao/ncm-realtime/internal/database"
	"github.com/rickgao/ncm-realtime/internal/metrics"
	"github.com/rickgao/ncm-realtime/internal/netwatch"
	"github.com/rickgao/ncm-realtime/internal/realtime"
	"github.com/rickgao/ncm-realtime/internal/recorder"
	"github.com/rickgao/ncm-realtime/internal/version"
)

// pageKey is the page the CLI registers its channels under.
const pageKey = "ncmwatch"

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file (defaults are used when empty)")
	channels := pflag.StringSlice("channels", nil, "channels to subscribe to (overrides config)")
	jsonOut := pflag.Bool("json", false, "print updates as JSON lines")
	logLevel := pflag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath, *channels, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ncmwatch: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting ncmwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"base_url", cfg.Endpoint.BaseURL,
		"channels", cfg.Channels,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	tokens, err := auth.OpenFileStore(cfg.Auth.TokenFile)
	if err != nil {
		logger.Error("failed to open token store", "error", err)
		os.Exit(1)
	}
	if _, ok := tokens.Get(); !ok {
		logger.Warn("no session token stored; connecting anonymously", "token_file", cfg.Auth.TokenFile)
	}

	var m *metrics.Realtime
	if cfg.Metrics.Enabled {
		m = metrics.NewRealtime(nil)
	}

	client := realtime.New(cfg.RealtimeConfig(),
		realtime.WithLogger(logger),
		realtime.WithTokenSource(tokens),
		realtime.WithMetrics(m),
	)

	printer := newUpdatePrinter(os.Stdout, *jsonOut)
	client.OnUpdate(printer.Print)
	client.OnError(func(err error) {
		logger.Warn("realtime error", "error", err)
	})
	client.OnStateChange(func(sc realtime.StateChange) {
		logger.Info("connection state", "from", sc.From, "to", sc.To)
	})

	// Recorder runs outside the errgroup so it can flush after the client stops.
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		db := cfg.Recorder.Database
		logger.Info("connecting to database", "host", db.Host, "port", db.Port, "database", db.Name)

		pool, err := database.Connect(ctx, db)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			logger.Error("failed to prepare schema", "error", err)
			os.Exit(1)
		}

		rec = recorder.New(cfg.RecorderConfig(), recorder.NewPoolInserter(pool), m, logger)
		if err := rec.Start(ctx); err != nil {
			logger.Error("failed to start recorder", "error", err)
			os.Exit(1)
		}
		client.OnUpdate(rec.Record)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return client.Run(gctx) })

	if cfg.Netwatch.Enabled {
		nwCfg, err := cfg.NetwatchConfig()
		if err != nil {
			logger.Error("invalid netwatch target", "error", err)
			os.Exit(1)
		}
		watcher, err := netwatch.New(nwCfg, client.NotifyOnline, logger)
		if err != nil {
			logger.Error("failed to create network watcher", "error", err)
			os.Exit(1)
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/health", healthHandler(client))
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	client.EnterPage(pageKey, cfg.Channels...)

	if err := g.Wait(); err != nil {
		logger.Error("ncmwatch failed", "error", err)
	}

	logger.Info("shutting down...")

	if rec != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := rec.Stop(shutdownCtx); err != nil {
			logger.Warn("recorder stop failed", "error", err)
		}
	}

	logger.Info("ncmwatch stopped")
}

// loadConfig reads the config file, or defaults when path is empty, and
// applies flag overrides before validating.
func loadConfig(path string, channels []string, logLevel string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadWithDefaults(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if len(channels) > 0 {
		cfg.Channels = channels
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
