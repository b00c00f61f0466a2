package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/questd/internal/adapters/httpapi"
	"github.com/bnema/questd/internal/adapters/process"
	"github.com/bnema/questd/internal/application"
	"github.com/bnema/questd/internal/config"
	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/metrics"
)

const (
	usageInterval   = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

func newServeCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and the HTTP control surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, app)
		},
	}
}

func runServe(ctx context.Context, app *app) error {
	cfg := app.cfg
	logger := app.logger.With(zap.String("component", "serve"))

	api, err := app.newQuestAPI(cfg.API.ProxyURL)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()
	feed := httpapi.NewFeed(httpapi.DefaultFeedBuffer, app.logger)

	supervisor := application.NewSupervisor(application.SupervisorConfig{
		Workers:         cfg.Pool.Workers,
		Limits:          poolLimits(cfg),
		StopGrace:       cfg.Pool.StopGrace,
		Privileged:      identityIDs(cfg.Identities.Privileged),
		DurationTaskIDs: cfg.Tasks.DurationIDs,
		MaxFailures:     cfg.Identities.MaxFailures,
		Proxy:           cfg.API.ProxyURL,
	}, application.SupervisorDeps{
		API:        api,
		Identities: app.identities,
		Solves:     app.solves,
		Sink:       feed,
		Metrics:    recorder,
		Logger:     app.logger,
	})

	conns, err := process.StartPool(ctx, cfg.Pool.Workers, process.SpawnOptions{
		Args:   workerArgs(app.v.ConfigFileUsed()),
		Logger: app.logger,
	})
	if err != nil {
		return err
	}
	for index, conn := range conns {
		if err := supervisor.Attach(index, conn); err != nil {
			return errors.Join(err, shutdownSupervisor(supervisor))
		}
	}

	readyCtx, cancelReady := context.WithTimeout(ctx, cfg.Pool.ReadyTimeout)
	err = supervisor.WaitReady(readyCtx, cfg.Pool.Workers)
	cancelReady()
	if err != nil {
		return errors.Join(err, shutdownSupervisor(supervisor))
	}
	logger.Info("worker pool ready",
		zap.String("run_id", supervisor.RunID()),
		zap.Int("workers", cfg.Pool.Workers),
	)

	if app.v.ConfigFileUsed() != "" {
		config.Watch(app.v, app.logger, func(next config.Config) {
			supervisor.SetLimits(poolLimits(next))
			supervisor.SetPrivileged(identityIDs(next.Identities.Privileged))
		})
	}

	server := httpapi.NewServer(httpapi.Options{
		Coordinator: supervisor,
		Credentials: app.credentials,
		Solves:      app.solves,
		Feed:        feed,
		Metrics:     recorder.Handler(),
		Logger:      app.logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("control surface listening", zap.String("addr", cfg.HTTP.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sampleUsage(gctx, supervisor, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		feed.Close()
		return errors.Join(
			httpServer.Shutdown(shutdownCtx),
			supervisor.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}

func sampleUsage(ctx context.Context, supervisor *application.Supervisor, logger *zap.Logger) {
	usage, err := process.NewProcUsage("")
	if err != nil {
		logger.Debug("process usage unavailable", zap.Error(err))
		return
	}

	ticker := time.NewTicker(usageInterval)
	defer ticker.Stop()

	supervisor.RefreshUsage(usage)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			supervisor.RefreshUsage(usage)
		}
	}
}

func shutdownSupervisor(supervisor *application.Supervisor) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return supervisor.Shutdown(ctx)
}

func workerArgs(configFile string) []string {
	args := []string{"worker"}
	if configFile != "" {
		args = append(args, "--config", configFile)
	}
	return args
}

func poolLimits(cfg config.Config) application.PoolLimits {
	return application.PoolLimits{
		PerWorkerCap: cfg.Pool.PerWorkerCap,
		GlobalCap:    cfg.Pool.GlobalCap,
	}
}

func identityIDs(raw []string) []domain.IdentityID {
	ids := make([]domain.IdentityID, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, domain.IdentityID(id))
	}
	return ids
}
