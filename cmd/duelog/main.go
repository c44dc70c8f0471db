package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/duelog/internal/config"
	"github.com/basket/duelog/internal/gateway"
	otelPkg "github.com/basket/duelog/internal/otel"
	"github.com/basket/duelog/internal/persistence"
	"github.com/basket/duelog/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the run transcript server

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DUELOG_HOME                 Data directory (default: current directory)
  DUELOG_BIND_ADDR            Listen address (default: 127.0.0.1:8080)
  DUELOG_LOG_LEVEL            Log level: debug, info, warn, error
  DUELOG_DB_PATH              SQLite database file
  DUELOG_STATIC_DIR           Root for the static viewer assets
  DUELOG_TELEMETRY_ENABLED    Set to 1 to enable the OTel exporter
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logger.Close()

	logger.Info("starting",
		"version", Version,
		"config_fingerprint", cfg.Fingerprint(),
		"bind_addr", cfg.BindAddr,
		"db_path", cfg.DBPath,
	)

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger.Logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger.Logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger.Logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	// The log level hot-reloads on config.yaml change. The listen address
	// and db path are fixed for the lifetime of the process, so a change
	// there is surfaced as restart_required.
	watcher := config.NewWatcher(cfg.DataDir, logger.Logger)
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher", "error", err)
		}
	}()
	go func() {
		for range watcher.Events() {
			reloaded, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			logger.SetLevel(reloaded.LogLevel)
			logger.Info("config reloaded",
				"log_level", reloaded.LogLevel,
				"config_fingerprint", reloaded.Fingerprint(),
				"restart_required", reloaded.Fingerprint() != cfg.Fingerprint(),
			)
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:     store,
		StaticDir: cfg.StaticDir,
		Logger:    logger.Logger,
		Tracer:    provider.Tracer,
		Metrics:   metrics,
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("Serving http://%s\n", cfg.BindAddr)
		fmt.Printf("SQLite database: %s\n", cfg.DBPath)
	}
	logger.Info("listening", "addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "signal")
	case err := <-serverErr:
		fatalStartup(logger.Logger, "E_SERVER_LISTEN", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	logger.Info("stopped")
}

// fatalStartup reports a startup failure with an explicit reason code and
// exits. The logger may be nil if the failure precedes logger setup.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"server","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
