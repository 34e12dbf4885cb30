package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/depotworks/depot/internal/audit"
	"github.com/depotworks/depot/internal/bus"
	"github.com/depotworks/depot/internal/config"
	"github.com/depotworks/depot/internal/cron"
	otelPkg "github.com/depotworks/depot/internal/otel"
	"github.com/depotworks/depot/internal/reservation"
	"github.com/depotworks/depot/internal/storage"
	"github.com/depotworks/depot/internal/tasking"
	"github.com/depotworks/depot/internal/telemetry"
	"github.com/depotworks/depot/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the task scheduler daemon

SUBCOMMANDS:
  %s status                   Show queue, worker and schedule status
  %s task list [-state S] [-group G] [-limit N]
  %s task show <id>           Show one task with its events and children
  %s task cancel <id>         Request cancellation of a task
  %s monitor                  Live task board (requires a TTY)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DEPOT_HOME              Data directory (default: ~/.depot)
  DEPOT_WORKER_COUNT      Override worker_count
  DEPOT_LOG_LEVEL         Override log_level

EXAMPLES:
  Run the daemon:         %s
  Queue overview:         %s status
  Watch live:             %s monitor
  Cancel a task:          %s task cancel 4f1c...
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
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
		case "task":
			os.Exit(runTaskCommand(ctx, args[1:]))
		case "monitor":
			os.Exit(runMonitorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version, "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	store, err := storage.Open(filepath.Join(cfg.HomeDir, "depot.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	registry := tasking.NewRegistry()
	if err := tasking.RegisterMaintenance(registry, store, tasking.MaintenanceConfig{
		TaskRetentionDays:      cfg.Retention.TaskDays,
		TaskEventRetentionDays: cfg.Retention.TaskEventDays,
		AuditLogRetentionDays:  cfg.Retention.AuditLogDays,
		BackupDir:              cfg.BackupDir,
	}); err != nil {
		fatalStartup(logger, "E_REGISTRY_INIT", err)
	}

	reservations := reservation.NewManager()
	scheduler := tasking.NewScheduler(store, registry, reservations,
		logger.With("component", "scheduler"))
	scheduler.SetAudit(audit.Sink{})

	pool := worker.New(store, registry, reservations, worker.Config{
		WorkerCount:       cfg.WorkerCount,
		PollInterval:      cfg.PollInterval(),
		RescanInterval:    cfg.RescanInterval(),
		LeaseDuration:     cfg.LeaseDuration(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		TaskTimeout:       cfg.TaskTimeout(),
		ParkBackoff:       cfg.ParkBackoff(),
		Bus:               eventBus,
		Logger:            logger.With("component", "worker"),
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
	})
	if err := pool.Start(ctx); err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "pool_started", "workers", cfg.WorkerCount)

	cronSched := cron.NewScheduler(cron.Config{
		Store:      store,
		Dispatcher: scheduler,
		Logger:     logger.With("component", "cron"),
		Interval:   cfg.CronTick(),
	})
	if err := cronSched.Reconcile(ctx, cfg.Schedules); err != nil {
		fatalStartup(logger, "E_SCHEDULE_RECONCILE", err)
	}
	audit.Record(ctx, "ok", "schedule.reconcile", fmt.Sprintf("%d declared", len(cfg.Schedules)), "")
	cronSched.Start(ctx)
	defer cronSched.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger.With("component", "config"))
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if newCfg.LogLevel != cfg.LogLevel {
				telemetry.SetLevel(newCfg.LogLevel)
				logger.Info("log level hot-reloaded", "level", newCfg.LogLevel)
			}
			if err := cronSched.Reconcile(context.Background(), newCfg.Schedules); err != nil {
				logger.Error("schedule reconcile on reload failed", "error", err)
			}
			if newCfg.Fingerprint() != cfg.Fingerprint() {
				logger.Info("config changed; scheduling settings apply on next restart",
					"fingerprint", newCfg.Fingerprint())
			}
			cfg.LogLevel = newCfg.LogLevel
			cfg.Schedules = newCfg.Schedules
		}
	}()

	logger.Info("depot daemon ready",
		"workers", cfg.WorkerCount,
		"functions", registry.Names(),
		"schedules", len(cfg.Schedules))

	<-ctx.Done()
	logger.Info("shutdown requested, draining", "timeout", cfg.DrainTimeout())
	pool.Drain(cfg.DrainTimeout())
	audit.Record(context.Background(), "ok", "runtime.shutdown", "signal", "")
	logger.Info("depot daemon stopped")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// openReadStore opens the daemon's database for the inspection subcommands.
func openReadStore() (*storage.Store, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, fmt.Errorf("config load: %w", err)
	}
	dbPath := filepath.Join(cfg.HomeDir, "depot.db")
	if _, err := os.Stat(dbPath); err != nil {
		return nil, cfg, fmt.Errorf("no database at %s (is the daemon running, or has it ever run?)", dbPath)
	}
	store, err := storage.Open(dbPath, nil)
	if err != nil {
		return nil, cfg, fmt.Errorf("open store: %w", err)
	}
	return store, cfg, nil
}
