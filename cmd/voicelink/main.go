// Command voicelink connects the local microphone and speaker to a remote
// voice assistant backend over WebSocket or MQTT + UDP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicelink/internal/app"
	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// options holds the command-line flags.
type options struct {
	configPath    string
	envFile       string
	protocol      string
	autoReconnect bool
	watch         bool
}

func main() {
	os.Exit(execute())
}

func execute() int {
	var opts options
	root := &cobra.Command{
		Use:     "voicelink",
		Short:   "voicelink - duplex voice client",
		Version: version,
		Long: `voicelink holds a real-time voice session with a remote assistant backend
and bridges it to the local audio devices.

The backend is reached over a WebSocket or over an MQTT broker with an
encrypted UDP media channel, as selected by protocol.kind in the config.
Every config value can be overridden with a VOICELINK_* environment variable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}
	f := root.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "voicelink.yaml", "path to the YAML configuration file")
	f.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config (missing file is ignored)")
	f.StringVar(&opts.protocol, "protocol", "", "override protocol.kind (websocket or mqtt)")
	f.BoolVar(&opts.autoReconnect, "auto-reconnect", false, "override reconnect.enabled")
	f.BoolVar(&opts.watch, "watch", false, "reload the config file on change")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		return 1
	}
	return 0
}

func run(cmd *cobra.Command, opts options) error {
	// ── Environment ──────────────────────────────────────────────────────────
	if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", opts.envFile, err)
	}

	// ── Signal context ───────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Configuration ────────────────────────────────────────────────────────
	override := func(cfg *config.Config) error {
		if opts.protocol != "" {
			cfg.Protocol.Kind = config.ProtocolKind(opts.protocol)
		}
		if cmd.Flags().Changed("auto-reconnect") {
			cfg.Reconnect.Enabled = opts.autoReconnect
		}
		return config.Validate(cfg)
	}

	var (
		cfg  *config.Config
		live atomic.Pointer[app.App]
		err  error
	)
	if opts.watch {
		var w *config.Watcher
		w, err = config.NewWatcher(ctx, opts.configPath, func(_, next *config.Config) {
			if a := live.Load(); a != nil {
				a.ApplyConfig(next)
			}
		}, config.WithAdjust(override))
		if err == nil {
			defer w.Stop()
			cfg = w.Current()
		}
	} else {
		cfg, err = config.Load(ctx, opts.configPath)
		if err == nil {
			err = override(cfg)
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file %q not found", opts.configPath)
	}
	if err != nil {
		return err
	}

	// ── Logger ───────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voicelink starting",
		"version", version,
		"config", opts.configPath,
		"protocol", cfg.Protocol.Kind,
		"auto_reconnect", cfg.Reconnect.Enabled,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Telemetry ────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		DeviceID:       cfg.Protocol.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Application ──────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, app.WithMetrics(metrics), app.WithLogLevel(&level))
	if err != nil {
		return err
	}
	live.Store(application)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.ListenAddr != "" {
		srv := newServer(cfg.Server.ListenAddr, health.New(application.ReadinessChecker()), metrics)
		g.Go(func() error {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		err := application.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	runErr := g.Wait()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	slog.Info("stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// newServer serves the health probes and Prometheus metrics.
func newServer(addr string, h *health.Handler, m *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m, "/healthz", "/readyz", "/metrics")(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
