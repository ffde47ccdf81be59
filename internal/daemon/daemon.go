package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/streamgate/internal/config"
	"github.com/allaspectsdev/streamgate/internal/metrics"
	"github.com/allaspectsdev/streamgate/internal/realip"
	"github.com/allaspectsdev/streamgate/internal/relay"
	"github.com/allaspectsdev/streamgate/internal/store"
	"github.com/allaspectsdev/streamgate/internal/tokenizer"
	"github.com/allaspectsdev/streamgate/internal/tracing"
	"github.com/allaspectsdev/streamgate/internal/vault"
	"github.com/allaspectsdev/streamgate/internal/version"
)

// Run is the main daemon orchestrator. It initialises all subsystems,
// starts the relay server, and blocks until a shutdown signal is received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	writers := []io.Writer{}

	logPath := filepath.Join(dataDir, "streamgate.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "streamgate").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("streamgate starting")

	// 2. Check if already running.
	if IsRunning(dataDir) {
		return fmt.Errorf("streamgate is already running (PID file exists at %s)", filepath.Join(dataDir, pidFilename))
	}

	// 3. Open the request-history store.
	var st *store.Store
	if cfg.History.Enabled {
		dbPath := filepath.Join(dataDir, "streamgate.db")
		st, err = store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()
		log.Info().Str("db_path", dbPath).Msg("request history store opened")
	}

	// 4. Create metrics collector.
	collector := metrics.NewCollector()

	// 5. Write PID file.
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	// 6. Start config watcher. Only the log level is hot-reloadable; the
	// relay configuration is fixed for the process lifetime.
	if configFile := config.ConfigFilePath(); configFile != "" {
		if _, statErr := os.Stat(configFile); statErr == nil {
			w, watchErr := config.Watch(configFile)
			if watchErr != nil {
				log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without log-level hot-reload")
			} else {
				defer w.Close()
				w.OnChange(func(old, newCfg *config.Config) {
					zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
					log.Info().Str("log_level", newCfg.Server.LogLevel).Msg("log level applied")
				})
				log.Info().Str("file", configFile).Msg("config watcher started")
			}
		}
	}

	// 7. Initialise tracing.
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(context.Background(),
			cfg.Tracing.ServiceName, version.Version,
			cfg.Tracing.Exporter, cfg.Tracing.Endpoint,
			cfg.Tracing.SampleRate, cfg.Tracing.Insecure)
		if err != nil {
			log.Warn().Err(err).Msg("tracing init failed; continuing without tracing")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Warn().Err(err).Msg("tracing shutdown")
				}
			}()
			log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("tracing initialised")
		}
	}

	// 8. Start periodic history pruning.
	pruneCtx, pruneCancel := context.WithCancel(context.Background())
	defer pruneCancel()
	if st != nil {
		go runPruner(pruneCtx, st, cfg.History.RetentionDays)
	}

	// 9. Wire up the relay stack.
	trusted, err := realip.ParseCIDRs(cfg.Proxy.TrustedCIDRs)
	if err != nil {
		return fmt.Errorf("parsing trusted CIDRs: %w", err)
	}

	upstreamClient := relay.NewUpstreamClient(
		cfg.Upstream.ConnectTimeout(), cfg.Upstream.Timeout(), vault.New())

	engine := relay.NewEngine(relay.EngineConfig{
		MaxAttempts:    cfg.AntiTruncation.MaxAttempts,
		DoneMarker:     cfg.AntiTruncation.DoneMarker,
		Keepalive:      cfg.AntiTruncation.KeepaliveInterval(),
		IdleTimeout:    cfg.AntiTruncation.UpstreamIdleTimeout(),
		AttemptTimeout: cfg.Upstream.Timeout(),
	}, upstreamClient, collector)

	handler := relay.NewHandler(relay.HandlerOptions{
		Config:    cfg,
		Client:    upstreamClient,
		Engine:    engine,
		Logger:    log.Logger,
		Collector: collector,
		Store:     st,
		Tokenizer: tokenizer.New(),
		Trusted:   trusted,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := relay.NewServer(handler, collector, addr,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second,
		time.Duration(cfg.Server.IdleTimeout)*time.Second,
		cfg.Tracing.Enabled)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("relay server listening")
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	// 10. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("relay server failed")
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete")
	}

	log.Info().Msg("streamgate stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := config.Get().Server.DataDir

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("streamgate does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("streamgate is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to streamgate (PID %d)\n", pid)

	// Wait briefly for the process to exit.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}

	return nil
}

// Status checks if the daemon is running and prints its health.
func Status() error {
	cfg := config.Get()
	dataDir := cfg.Server.DataDir

	if !IsRunning(dataDir) {
		fmt.Println("streamgate is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("streamgate is running (PID %d)\n", pid)

	healthURL := fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Println("  (health endpoint unreachable)")
		return nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	fmt.Printf("  Health:  %s\n", resp.Status)
	fmt.Printf("  Metrics: http://localhost:%d/metrics\n", cfg.Server.Port)
	return nil
}

// runPruner periodically prunes old rows from the history store.
func runPruner(ctx context.Context, st *store.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.Prune(retentionDays)
			if err != nil {
				log.Error().Err(err).Msg("history pruning failed")
			} else if n > 0 {
				log.Info().Int64("rows", n).Int("retention_days", retentionDays).Msg("pruned old history")
			}
		}
	}
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
