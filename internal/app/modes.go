package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbitrageur/internal/server"
)

const shutdownTimeout = 5 * time.Second

// FullMode scans, detects and executes. With execution.dry_run set the
// pipeline stops after preflight and nothing is submitted.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	if deps.Pipeline.DryRun() {
		a.logger.WarnContext(ctx, "dry run: transactions are built and checked but never submitted")
	}
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Int("templates", deps.Pipeline.Templates()),
	)
	return a.runComponents(ctx, deps)
}

// MonitorMode scans and publishes opportunities without ever taking the
// execution lock.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.runComponents(ctx, deps)
}

// runComponents starts every background loop and blocks until ctx is
// cancelled or one of them fails.
func (a *App) runComponents(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deps.Hub.Run(ctx) })
	g.Go(func() error { return deps.Gas.Run(ctx, a.cfg.Coordinator.GasRefresh.Duration) })

	if deps.Inventory != nil {
		if err := deps.Inventory.Refresh(ctx); err != nil {
			a.logger.WarnContext(ctx, "initial balance refresh failed", slog.String("error", err.Error()))
		}
		g.Go(func() error { return deps.Inventory.Run(ctx, a.cfg.Coordinator.BalanceRefresh.Duration) })
	}
	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(ctx, a.cfg.S3.FlushInterval.Duration) })
	}
	if deps.Server != nil {
		a.startHTTPServer(ctx, g, deps.Server)
	}

	g.Go(func() error { return deps.Coordinator.Run(ctx) })

	return g.Wait()
}

// startHTTPServer serves the status API until ctx is done, then shuts it
// down gracefully.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, srv *server.Server) {
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
