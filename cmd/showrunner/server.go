package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/showrunner/pkg/alerting"
	"github.com/cuemby/showrunner/pkg/api"
	"github.com/cuemby/showrunner/pkg/audit"
	"github.com/cuemby/showrunner/pkg/channels"
	"github.com/cuemby/showrunner/pkg/events"
	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/pipeline"
	"github.com/cuemby/showrunner/pkg/queue"
	"github.com/cuemby/showrunner/pkg/reconciler"
	"github.com/cuemby/showrunner/pkg/security"
	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/supervisor"
	"github.com/cuemby/showrunner/pkg/uploader"
	"github.com/cuemby/showrunner/pkg/workspace"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator",
	Long: `Start the orchestrator: worker pool, pipeline engine, planning
reconciler, and HTTP control surface, all in one process. Multiple
instances may run against the same database; they share the queue.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("db-url", "", "Postgres DSN (defaults to DATABASE_URL)")
	serverCmd.Flags().String("channels-config", "channel_configs", "Directory of per-channel configuration files")
	serverCmd.Flags().String("scripts-dir", "scripts", "Directory holding stage programs")
	serverCmd.Flags().String("workspace-root", "workspace", "Root of the artifact workspace")
	serverCmd.Flags().Int("workers", 4, "Concurrent pipeline workers")
	serverCmd.Flags().String("api-addr", ":8080", "HTTP listen address")
	serverCmd.Flags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	serverCmd.Flags().Duration("lease", queue.DefaultLease, "Task claim lease duration")
}

func runServer(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})

	dsn, _ := cmd.Flags().GetString("db-url")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	channelsDir, _ := cmd.Flags().GetString("channels-config")
	scriptsDir, _ := cmd.Flags().GetString("scripts-dir")
	workspaceRoot, _ := cmd.Flags().GetString("workspace-root")
	if !cmd.Flags().Changed("workspace-root") {
		if env := os.Getenv("WORKSPACE_ROOT"); env != "" {
			workspaceRoot = env
		}
	}
	workers, _ := cmd.Flags().GetInt("workers")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	lease, _ := cmd.Flags().GetDuration("lease")

	store, err := storage.Open(storage.Config{DSN: dsn})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	vault, err := security.NewVaultFromEnv(store)
	if err != nil {
		return err
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	registry, err := channels.NewRegistry(ctx, channelsDir, store, broker)
	if err != nil {
		return err
	}
	if err := registry.Watch(ctx); err != nil {
		return err
	}
	defer registry.Stop()

	var sinks []alerting.Sink
	if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
		sinks = append(sinks, alerting.SlackSink{WebhookURL: url})
	}
	alerter := alerting.New(sinks...)

	recorder := audit.NewRecorder(store)
	tokens := uploader.NewTokenManager(vault)
	quota := uploader.NewQuota(store, alerter)
	sup := supervisor.New(scriptsDir)
	ws := workspace.New(workspaceRoot)
	rec := reconciler.New(store, registry, vault, broker, recorder, alerter)
	engine := pipeline.NewEngine(store, registry, sup, ws, quota, tokens, broker, alerter, rec)

	listener := storage.NewListener(dsn, storage.NotifyChannelTasks)
	listener.Start(ctx)
	defer listener.Stop()

	dispatcher := queue.NewDispatcher(queue.Config{Workers: workers, Lease: lease},
		store, registry, engine, broker, listener)

	server := api.NewServer(api.Config{
		Addr:          apiAddr,
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
	}, store, registry, recorder, rec, broker, ws)
	if err := server.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- dispatcher.Run(ctx) }()
	go func() { errCh <- rec.Run(ctx) }()

	log.Info("showrunner started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				log.Info("SIGHUP received, reloading channel configuration")
				if err := registry.Reload(ctx); err != nil {
					log.Errorf("config reload failed", err)
				}
				continue
			}
			log.Info("shutdown signal received, draining")
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := server.Stop(shutdownCtx); err != nil {
				log.Errorf("http shutdown failed", err)
			}
			return nil
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				cancel()
				return err
			}
		}
	}
}
