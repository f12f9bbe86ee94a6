// Command inboxd is the background execution core for a local personal
// assistant mailbox daemon: it owns the shared cache, the inference
// supervisor, the three task queues and their worker pool, the scheduler,
// and the event bus that fans mailbox changes out to connected UIs.
//
// It re-execs itself as a worker subprocess (hidden "worker" subcommand),
// mirroring the self-reexec pattern the worker pool expects rather than
// shipping a second binary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/mattn/go-isatty"

	"github.com/basket/inboxd/internal/cache"
	"github.com/basket/inboxd/internal/config"
	"github.com/basket/inboxd/internal/eventbus"
	"github.com/basket/inboxd/internal/inference"
	"github.com/basket/inboxd/internal/logmux"
	"github.com/basket/inboxd/internal/mailstore"
	"github.com/basket/inboxd/internal/notifier"
	"github.com/basket/inboxd/internal/otelx"
	_ "github.com/basket/inboxd/internal/tasks"
	"github.com/basket/inboxd/internal/taskmanager"
	"github.com/basket/inboxd/internal/telemetry"
	"github.com/basket/inboxd/internal/tui"
	"github.com/basket/inboxd/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                  Start the daemon in the foreground
  %s status            Show live daemon status (polls /healthz)
  %s reset             Wipe the mailbox database
  %s -version          Print the version and exit

ENVIRONMENT VARIABLES:
  INBOXD_HOME              Data directory (default: ~/.inboxd)
  INBOXD_LOG_LEVEL         Overrides the configured log level
  INBOXD_BIND_ADDR         Overrides the configured HTTP bind address
  INBOXD_IDLE_SHUTDOWN_MS  Overrides the inference idle-shutdown delay

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	version := flag.Bool("version", false, "print version and exit")

	args := os.Args[1:]
	if len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "worker":
			os.Exit(runWorkerCommand(args[1:]))
		case "status":
			os.Exit(runStatusCommand(args[1:]))
		case "reset":
			os.Exit(runResetCommand(args[1:]))
		}
	}

	flag.Parse()
	if *version {
		fmt.Println(Version)
		return
	}

	os.Exit(runDaemon())
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %v\n", reasonCode, err)
	}
	return 1
}

// runDaemon builds every core component in dependency order and serves
// until an interrupt or SIGTERM arrives.
func runDaemon() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	otelProvider, err := otelx.Init(ctx, cfg.OTel)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				if err := cfg.Reload(); err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				logger.Info("config reloaded", "log_level", cfg.LogLevel, "quiet", cfg.Quiet)
			}
		}()
	}

	exePath, err := os.Executable()
	if err != nil {
		return fatalStartup(logger, "E_EXE_PATH", err)
	}

	sharedCache := cache.New()

	logDir := filepath.Join(cfg.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fatalStartup(logger, "E_LOG_DIR_CREATE", err)
	}
	workerLog, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fatalStartup(logger, "E_WORKER_LOG_OPEN", err)
	}
	defer workerLog.Close()
	mux := logmux.New(workerLog)
	defer mux.Close()
	logger.Info("startup phase", "phase", "logmux_started")

	infSup := inference.New(inference.Config{
		Embedding:      toInferenceModel(cfg.Models.Embedding),
		Completion:     toInferenceModel(cfg.Models.Completion),
		IdleShutdown:   cfg.IdleShutdown(),
		ReadyTimeout:   cfg.ReadyTimeout(),
		GraceTerminate: cfg.GraceTerminate(),
		LogDir:         logDir,
		Cache:          sharedCache,
		Logger:         logger,
	})
	defer infSup.ForceStop()
	logger.Info("startup phase", "phase", "inference_supervisor_ready")

	store, err := mailstore.Open(mailstore.DefaultPath(cfg.HomeDir))
	if err != nil {
		return fatalStartup(logger, "E_MAILSTORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "mailstore_opened")

	bus := eventbus.New(logger, time.Duration(cfg.Bus.HeartbeatIntervalMS)*time.Millisecond)

	notif := notifier.New(notifier.Config{
		Mailstore:     store,
		Cache:         sharedCache,
		Bus:           bus,
		Logger:        logger,
		StateChanging: cfg.Notifier.StateChangingCallables,
	})

	manager := taskmanager.New(taskmanager.Config{
		Cache:     sharedCache,
		Inference: infSup,
		Logs:      mux,
		Logger:    logger,
		ExePath:   exePath,
		WorkerEnv: []string{
			"INBOXD_COMPLETION_PORT=" + strconv.Itoa(cfg.Models.Completion.Port),
			"INBOXD_EMBEDDING_PORT=" + strconv.Itoa(cfg.Models.Embedding.Port),
		},
		Recurring:  cfg.Recurring,
		OnComplete: notif.HandleCompletion,
	})
	if err := manager.Start(ctx); err != nil {
		return fatalStartup(logger, "E_TASKMANAGER_START", err)
	}
	logger.Info("startup phase", "phase", "worker_pool_started")

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/ws", handleWS(bus, logger))
	httpMux.HandleFunc("/healthz", handleHealthz(manager, infSup, bus, startedAt))

	server := &http.Server{Addr: cfg.BindAddr, Handler: httpMux}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	manager.Stop(cfg.GraceTerminate())
	logger.Info("shutdown complete")
	return 0
}

func toInferenceModel(mc config.ModelConfig) inference.ModelConfig {
	return inference.ModelConfig{
		Enabled:    mc.Enabled,
		Executable: mc.Executable,
		ModelPath:  mc.ModelPath,
		Port:       mc.Port,
		ContextLen: mc.ContextLen,
	}
}

func handleWS(bus *eventbus.Bus, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		client := bus.Connect(conn)
		defer bus.Disconnect(client)

		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}
}

type healthzPayload struct {
	Healthy         bool           `json:"healthy"`
	QueueDepths     map[string]int `json:"queue_depths"`
	EmbeddingState  string         `json:"embedding_state"`
	CompletionState string         `json:"completion_state"`
	EventBusClients int            `json:"event_bus_clients"`
	EventBusDropped int64          `json:"event_bus_dropped"`
	UptimeSeconds   float64        `json:"uptime_seconds"`
}

func handleHealthz(manager *taskmanager.Manager, infSup *inference.Supervisor, bus *eventbus.Bus, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		payload := healthzPayload{
			Healthy: true,
			QueueDepths: map[string]int{
				"general":    manager.Depth(config.QueueGeneral),
				"completion": manager.Depth(config.QueueCompletion),
				"embedding":  manager.Depth(config.QueueEmbedding),
			},
			EmbeddingState:  string(infSup.State(inference.ModelEmbedding).State),
			CompletionState: string(infSup.State(inference.ModelCompletion).State),
			EventBusClients: bus.ClientCount(),
			EventBusDropped: bus.DroppedEventCount(),
			UptimeSeconds:   time.Since(startedAt).Seconds(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// runWorkerCommand is the hidden entry point the worker pool re-execs into:
// `inboxd worker <queueName>` speaks the duplex JSON-RPC protocol over its
// own stdin/stdout and logs JSON lines to stderr for the host's log
// multiplexer to pick up.
func runWorkerCommand(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: inboxd worker <queue-name>")
		return 2
	}
	queueName := args[0]

	level := os.Getenv("INBOXD_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	logger := telemetry.NewWorkerLogger(os.Stderr, level, queueName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx, queueName, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		return 1
	}
	return 0
}

// runStatusCommand polls the running daemon's /healthz endpoint once a
// second and drives the bubbletea status view with what it gets back.
func runStatusCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: inboxd status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	healthURL := "http://" + cfg.BindAddr + "/healthz"
	startedAt := time.Now()

	// A piped or redirected stdout means there's no terminal for bubbletea
	// to draw into; fall back to a single plain-JSON poll-and-print, the
	// way the daemon's own interactive-vs-headless split decides between a
	// live view and a script-friendly one.
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		reqCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		os.Stdout.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			os.Stdout.Write([]byte("\n"))
		}
		if resp.StatusCode != http.StatusOK {
			return 1
		}
		return 0
	}

	provider := func() tui.Snapshot {
		snap := tui.Snapshot{LastError: "", Uptime: time.Since(startedAt)}

		reqCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
		if err != nil {
			snap.LastError = err.Error()
			return snap
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			snap.LastError = err.Error()
			return snap
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			snap.LastError = err.Error()
			return snap
		}
		var payload healthzPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			snap.LastError = err.Error()
			return snap
		}

		snap.QueueDepths = payload.QueueDepths
		snap.Embedding = payload.EmbeddingState
		snap.Completion = payload.CompletionState
		snap.Clients = payload.EventBusClients
		snap.Dropped = payload.EventBusDropped
		snap.Uptime = time.Duration(payload.UptimeSeconds * float64(time.Second))
		return snap
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tui.Run(ctx, provider); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	return 0
}

// runResetCommand wipes the mailbox database, for a clean-slate restart.
func runResetCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: inboxd reset")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := mailstore.Open(mailstore.DefaultPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open mailbox db: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Reset(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "reset: %v\n", err)
		return 1
	}
	fmt.Println("mailbox database reset")
	return 0
}
