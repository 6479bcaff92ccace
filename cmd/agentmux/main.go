// Command agentmux runs the multi-agent message-routing daemon: a durable
// message queue, a router, a team-conversation engine, and a local control
// API that transport adapters talk to.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/agentmux/internal/bus"
	"github.com/basket/agentmux/internal/config"
	"github.com/basket/agentmux/internal/convo"
	"github.com/basket/agentmux/internal/dispatch"
	"github.com/basket/agentmux/internal/gateway"
	"github.com/basket/agentmux/internal/invoke"
	"github.com/basket/agentmux/internal/logring"
	amotel "github.com/basket/agentmux/internal/otel"
	"github.com/basket/agentmux/internal/queue"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the daemon
  %s status                   Show daemon health and queue depth
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTMUX_HOME           Data directory (default: ~/.agentmux)
  AGENTMUX_API_HOST       Control API listen host (default: 127.0.0.1)
  AGENTMUX_API_PORT       Control API listen port (default: 3777)
  AGENTMUX_NO_AUTH        Set to 1 to disable API authentication
  AGENTMUX_LOG_LEVEL      debug, info, warn, error
  ANTHROPIC_API_KEY       Required for anthropic-provider agents
  OPENAI_API_KEY          Required for openai-provider agents
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := runDaemon(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agentmux: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ring := logring.NewRing(0)
	logger := newLogger(cfg.LogLevel, ring)
	slog.SetDefault(logger)

	apiKey, err := config.EnsureAPIKey(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	otelProvider, err := amotel.Init(ctx, amotel.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	metrics, err := amotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.NewWithLogger(logger)

	store, err := queue.Open(queue.DefaultDBPath(cfg.HomeDir), eventBus)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer func() { _ = store.Close() }()
	store.SetMaxRetries(cfg.Queue.MaxRetries)

	provider := config.NewProvider(cfg.HomeDir, logger)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				provider.Invalidate()
			}
		}()
	}

	convos := convo.NewManager(store, eventBus, cfg.Workspace, logger, convo.Options{
		MaxMessages:           cfg.Conversation.MaxMessages,
		LongResponseThreshold: cfg.Conversation.LongResponseThreshold,
		Timeout:               cfg.ConversationTimeout(),
	})

	dispatcher := dispatch.New(store, eventBus, provider, convos, invoke.NewRegistry(logger), logger)
	dispatcher.SetTelemetry(otelProvider.Tracer, metrics)

	api := gateway.New(gateway.Config{
		Store:       store,
		Bus:         eventBus,
		Provider:    provider,
		Convos:      convos,
		Logs:        ring,
		Logger:      logger,
		AuthEnabled: cfg.AuthEnabled(),
		AuthToken:   apiKey,
		Metrics:     metrics,
	})

	logger.Info("agentmux starting",
		"version", Version,
		"bind_addr", cfg.BindAddr(),
		"home", cfg.HomeDir,
		"auth", cfg.AuthEnabled(),
	)

	errCh := make(chan error, 2)
	go func() { errCh <- dispatcher.Run(ctx) }()
	go func() { errCh <- api.Serve(ctx, cfg.BindAddr()) }()

	select {
	case <-ctx.Done():
		logger.Info("agentmux shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func newLogger(level string, ring *logring.Ring) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	text := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logring.NewHandler(ring, text))
}

// loadDotEnv loads KEY=VALUE pairs from a .env file without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
