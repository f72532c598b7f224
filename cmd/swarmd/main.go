package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/swarmd/internal/broker"
	"github.com/basket/swarmd/internal/bus"
	"github.com/basket/swarmd/internal/checkpoint"
	"github.com/basket/swarmd/internal/config"
	"github.com/basket/swarmd/internal/cron"
	"github.com/basket/swarmd/internal/kernel"
	"github.com/basket/swarmd/internal/lock"
	"github.com/basket/swarmd/internal/notify"
	otelPkg "github.com/basket/swarmd/internal/otel"
	"github.com/basket/swarmd/internal/persistence"
	"github.com/basket/swarmd/internal/registry"
	"github.com/basket/swarmd/internal/task"
	"github.com/basket/swarmd/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s init                     Ensure the store schema exists
  %s status                   List active agents and the current session summary
  %s logs [--agent id] [--limit n]
                              Print recent coordination activity
  %s cleanup                  Run checkpoint and message retention once
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SWARMD_HOME             Data directory (default: ~/.swarmd)
`)
}

func main() {
	home := flag.String("home", "", "data directory (default $SWARMD_HOME or ~/.swarmd)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*home)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	// Piped output gets file-only logs so machine consumers see clean stdout.
	quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd())

	args := flag.Args()
	cmd := "status"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "version":
		fmt.Printf("swarmd %s\n", Version)
		os.Exit(0)
	case "init":
		os.Exit(runInitCommand(cfg))
	case "status":
		os.Exit(runStatusCommand(ctx, cfg, quietLogs))
	case "logs":
		os.Exit(runLogsCommand(ctx, cfg, quietLogs, args[1:]))
	case "cleanup":
		os.Exit(runCleanupCommand(ctx, cfg, quietLogs))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

// runtime wires the full component graph for one command invocation.
type runtime struct {
	cfg       config.Config
	store     *persistence.Store
	kernel    *kernel.Kernel
	scheduler *cron.Scheduler
	notifier  *notify.Notifier
	provider  *otelPkg.Provider
	closers   []func()
}

func newRuntime(ctx context.Context, cfg config.Config, quietLogs bool) (*runtime, error) {
	logger, logCloser, err := telemetry.NewLogger(cfg.LogDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	rt := &runtime{cfg: cfg}
	rt.closers = append(rt.closers, func() { _ = logCloser.Close() })

	provider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt.provider = provider
	rt.closers = append(rt.closers, func() { _ = provider.Shutdown(context.Background()) })

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, func() { _ = store.Close() })

	fallback, err := notify.OpenFallbackLog(cfg.LogDir)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("open fallback log: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = fallback.Close() })

	var sink notify.Sink
	if cfg.Notify.Enabled {
		sink = notify.NewWebsocketSink(cfg.Notify.URL, time.Duration(cfg.Notify.EmitTimeoutSeconds)*time.Second)
	}
	notifier := notify.NewNotifier(sink, fallback, logger)
	rt.notifier = notifier
	rt.closers = append(rt.closers, func() { _ = notifier.Close() })

	eventBus := bus.New()
	agents := registry.New(store, notifier, eventBus, logger)
	tasks := task.New(store, eventBus, logger)
	locks := lock.New(store, cfg.LockDir, eventBus, logger, metrics)
	checkpoints := checkpoint.New(store, cfg.CheckpointDir, notifier, agents.CorrelationID, logger, metrics)
	msgBroker := broker.New(store, cfg.MessageDir, eventBus, logger, metrics)

	rt.kernel = kernel.New(store, agents, tasks, locks, checkpoints, msgBroker, kernel.Options{
		Notifier: notifier,
		Bus:      eventBus,
		Logger:   logger,
		Tracer:   provider.Tracer,
		Metrics:  metrics,
	})

	scheduler, err := cron.NewScheduler(cron.Config{
		Checkpoints: checkpoints,
		Broker:      msgBroker,
		Retention:   cfg.Retention,
		Logger:      logger,
	})
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("init retention scheduler: %w", err)
	}
	rt.scheduler = scheduler
	return rt, nil
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func runInitCommand(cfg config.Config) int {
	// Open applies the schema idempotently; nothing else to do.
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()
	fmt.Printf("store ready at %s\n", cfg.DBPath)
	return 0
}

func runCleanupCommand(ctx context.Context, cfg config.Config, quietLogs bool) int {
	rt, err := newRuntime(ctx, cfg, quietLogs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.close()

	rt.scheduler.RunOnce(ctx, cfg.Retention)
	fmt.Println("retention applied")
	return 0
}
