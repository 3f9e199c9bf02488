package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/mcp-connect/internal/broker"
	"github.com/alexjbarnes/mcp-connect/internal/config"
	"github.com/alexjbarnes/mcp-connect/internal/events"
	"github.com/alexjbarnes/mcp-connect/internal/logging"
	"github.com/alexjbarnes/mcp-connect/internal/metrics"
	"github.com/alexjbarnes/mcp-connect/internal/oauth"
	"github.com/alexjbarnes/mcp-connect/internal/registry"
	"github.com/alexjbarnes/mcp-connect/internal/server"
	"github.com/alexjbarnes/mcp-connect/internal/state"
	"github.com/alexjbarnes/mcp-connect/internal/toolclient"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	// Subcommands run before config loading.
	handled, err := subcommand(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if handled {
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// subcommand runs gen-key or version and reports whether args named one.
func subcommand(args []string, w io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "gen-key":
		key, err := newAPIKey()
		if err != nil {
			return true, err
		}

		fmt.Fprintln(w, key)

		return true, nil
	case "version":
		fmt.Fprintln(w, Version)
		return true, nil
	default:
		return false, nil
	}
}

// newAPIKey returns a fresh API key suitable for API_KEYS.
func newAPIKey() (string, error) {
	b := make([]byte, (config.APIKeyMinLen-len(config.APIKeyPrefix))/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	return config.APIKeyPrefix + hex.EncodeToString(b), nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("mcp-connect starting",
		slog.String("version", Version),
		slog.String("app_url", cfg.AppURL),
	)

	keys, err := cfg.ParseAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing API keys: %w", err)
	}

	sealer, err := state.NewSealer(cfg.TokenEncryptionSecret)
	if err != nil {
		return fmt.Errorf("creating sealer: %w", err)
	}

	appState, err := state.LoadAt(cfg.StatePath, sealer)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	plugins, err := registry.Load(cfg.PluginsFile, logger.With(slog.String("component", "registry")))
	if err != nil {
		return fmt.Errorf("loading plugins: %w", err)
	}

	m := metrics.New()

	hub := events.NewHub(logger, events.WithDropHook(m.EventDropped))

	oauthClient := oauth.NewClient(oauth.WithLogger(logger.With(slog.String("component", "oauth"))))

	b := broker.New(oauthClient, appState, appState,
		broker.WithLogger(logger.With(slog.String("component", "broker"))),
		broker.WithPublisher(hub),
		broker.WithRecorder(m),
		broker.WithClientName(cfg.ClientName),
	)

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metricsHandler = m.Handler()
	}

	tools := toolclient.New(b, nil, Version, logger)

	mux := server.NewMux(server.MuxConfig{
		Flow:    b,
		Tools:   tools,
		Plugins: plugins,
		Events:  events.NewHandler(hub, cfg.AllowedOrigins, logger),
		Keys:    keys,
		Logger:  logger,
		Metrics: metricsHandler,
		AppURL:  cfg.AppURL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(gctx, cfg.ListenAddr, mux, logger, len(keys))
	})

	g.Go(func() error {
		return b.RunSweeper(gctx, cfg.SweepInterval)
	})

	g.Go(func() error {
		return plugins.Watch(gctx)
	})

	return g.Wait()
}

// serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger, users int) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("starting server",
		slog.String("listen", addr),
		slog.Int("users", users),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", slog.String("error", err.Error()))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
