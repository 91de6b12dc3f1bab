package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tenantsync/internal/config"
	"github.com/roach88/tenantsync/internal/conn"
	"github.com/roach88/tenantsync/internal/events"
	"github.com/roach88/tenantsync/internal/httpapi"
	"github.com/roach88/tenantsync/internal/observability"
	"github.com/roach88/tenantsync/internal/orchestrator"
	"github.com/roach88/tenantsync/internal/queue"
	"github.com/roach88/tenantsync/internal/reconcile"
	"github.com/roach88/tenantsync/internal/scheduler"
	"github.com/roach88/tenantsync/internal/store"
	"github.com/roach88/tenantsync/internal/syncclient"
)

const (
	pruneInterval   = 24 * time.Hour
	shutdownTimeout = 15 * time.Second
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database string
	Listen   string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring service",
		Long: `Run the tenantsync service: reconcile monitored stores against the
workspace directory, process new messages, run scheduled tasks and serve
the HTTP API until interrupted.

Example:
  TENANTSYNC_ADMIN_SECRET=s3cret tenantsync serve --db ./tenantsync.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite tracker database (overrides TENANTSYNC_DB_PATH)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides TENANTSYNC_LISTEN_ADDR)")

	return cmd
}

// service is every long-lived component of a running tenantsync.
type service struct {
	cfg        config.Config
	store      *store.Store
	metrics    *observability.Metrics
	dir        *openedDirectory
	conns      *conn.Manager
	dispatcher *events.Dispatcher
	processor  *events.Processor
	orch       *orchestrator.Orchestrator
	reconciler *reconcile.Reconciler
	trigger    *reconcile.Trigger
	scheduler  *scheduler.Scheduler
	api        *httpapi.Server
	logger     *slog.Logger
}

func newService(cfg config.Config, logger *slog.Logger) (_ *service, err error) {
	svc := &service{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			svc.close(context.Background())
		}
	}()

	tasks, err := loadTasks(cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load tasks", err)
	}

	if svc.store, err = store.Open(cfg.DBPath); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	if svc.metrics, err = observability.InitMetrics(); err != nil {
		return nil, WrapExitError(ExitFailure, "failed to initialise metrics", err)
	}
	if svc.dir, err = openDirectory(cfg); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open workspace directory", err)
	}

	client := syncclient.New(syncclient.Config{URL: cfg.SyncURL, Token: cfg.SyncToken}, logger)
	svc.conns = conn.NewManager(client, cfg.Conn(), conn.WithLogger(logger))

	svc.dispatcher = events.NewDispatcher(cfg.Queue(), svc.conns, newResponder(cfg),
		events.WithDispatchAgentID(cfg.AgentID),
		events.WithDispatchLogger(logger),
	)
	svc.processor = events.NewProcessor(svc.store, svc.dispatcher,
		events.WithAgentID(cfg.AgentID),
		events.WithMaxAge(cfg.EventMaxAge),
		events.WithLogger(logger),
		events.WithDropHook(countOverflows(svc.metrics)),
		events.WithActivity(svc.conns),
	)
	svc.orch = orchestrator.New(svc.conns,
		orchestrator.WithWatcher(svc.processor),
		orchestrator.WithLogger(logger),
	)
	if err = svc.metrics.ObserveMonitored(svc.orch.Count); err != nil {
		return nil, WrapExitError(ExitFailure, "failed to register gauge", err)
	}

	svc.reconciler = reconcile.New(svc.dir, svc.orch,
		reconcile.WithRecorder(svc.metrics),
		reconcile.WithLogger(logger),
	)
	svc.trigger = reconcile.NewTrigger(svc.reconciler, cfg.TriggerMinInterval)
	svc.scheduler = scheduler.New(tasks, svc.store, svc.orch, svc.conns,
		scheduler.WithClaimRecorder(svc.metrics),
		scheduler.WithLogger(logger),
	)

	deps := httpapi.Deps{
		Monitor: svc.orch,
		Trigger: svc.trigger,
		Status:  svc.status,
		Metrics: svc.metrics.Handler(),
	}
	if svc.dir.writer != nil {
		deps.Directory = svc.dir.writer
	}
	svc.api, err = httpapi.New(httpapi.Config{
		AdminSecret:   cfg.AdminSecret,
		WebhookSecret: cfg.WebhookSecret,
	}, deps, httpapi.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to build http api", err)
	}
	return svc, nil
}

func (s *service) status() httpapi.Status {
	return httpapi.Status{
		Workspaces: s.orch.Summary(),
		Reconciler: s.reconciler.Status(),
		Dispatch:   s.dispatcher.Stats(),
		Streams:    s.processor.Stats(),
	}
}

// run starts the background loops and serves HTTP until ctx is done.
func (s *service) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			s.logger.Debug("background loop stopped", "loop", name)
		}()
	}

	spawn("reconcile", func() { s.reconciler.Run(ctx, s.cfg.ReconcileInterval) })
	spawn("queue-sweeper", func() {
		if err := s.dispatcher.RunSweeper(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("queue sweeper stopped", "error", err)
		}
	})
	spawn("prune", func() { s.pruneLoop(ctx) })
	if len(s.scheduler.Tasks()) > 0 {
		spawn("scheduler", func() { s.scheduler.Run(ctx, s.cfg.SchedulerInterval) })
	}
	if s.dir.file != nil {
		spawn("directory-watch", func() {
			err := s.dir.file.Watch(ctx, 0, func() {
				s.logger.Info("workspace directory changed, reconciling", "path", s.dir.file.Path())
				if _, err := s.reconciler.ReconcileFresh(ctx); err != nil {
					s.logger.Warn("reconcile after directory change failed", "error", err)
				}
			})
			if err != nil {
				s.logger.Warn("directory watch unavailable", "path", s.dir.file.Path(), "error", err)
			}
		})
	}

	err := s.api.Run(ctx, s.cfg.ListenAddr)
	cancel()
	wg.Wait()
	return err
}

func (s *service) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		res, err := s.store.Prune(ctx, s.cfg.TrackerRetentionDays)
		if err != nil {
			s.logger.Warn("tracker prune failed", "error", err)
		} else {
			s.logger.Info("tracker pruned", "claims", res.Claims, "processed", res.Processed,
				"retention_days", s.cfg.TrackerRetentionDays)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// close releases everything newService acquired, in reverse order.
func (s *service) close(ctx context.Context) {
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.conns != nil {
		if err := s.conns.Close(ctx); err != nil {
			s.logger.Warn("closing store connections", "error", err)
		}
	}
	if s.dir != nil {
		if err := s.dir.Close(); err != nil {
			s.logger.Warn("closing workspace directory", "error", err)
		}
	}
	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.logger.Warn("shutting down metrics", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("error closing database", "error", err)
		}
	}
}

type overflowRecorder interface {
	RecordOverflow(ctx context.Context, storeID string)
}

// countOverflows returns a drop hook that counts full queues only; drops
// during shutdown are not overflows.
func countOverflows(rec overflowRecorder) func(storeID string, err error) {
	return func(storeID string, err error) {
		if errors.Is(err, queue.ErrQueueOverflow) {
			rec.RecordOverflow(context.Background(), storeID)
		}
	}
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	if err := errors.Join(
		opts.bindFlag("TENANTSYNC_DB_PATH", cmd.Flag("db")),
		opts.bindFlag("TENANTSYNC_LISTEN_ADDR", cmd.Flag("listen")),
	); err != nil {
		return WrapExitError(ExitCommandError, "cannot bind flags", err)
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger := slog.Default()

	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		svc.close(ctx)
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("tenantsync starting",
		"db", cfg.DBPath,
		"listen", cfg.ListenAddr,
		"directory", cfg.Directory,
		"tasks", len(svc.scheduler.Tasks()),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "tenantsync listening on %s. Press Ctrl-C to stop.\n", cfg.ListenAddr)

	if err := svc.run(ctx); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("tenantsync stopped gracefully")
	return nil
}
