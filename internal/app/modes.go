package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyresolve/internal/server"
	"github.com/alanyoungcy/polyresolve/internal/server/handler"
	"github.com/alanyoungcy/polyresolve/internal/server/ws"
	"github.com/alanyoungcy/polyresolve/internal/service"
	"github.com/alanyoungcy/polyresolve/internal/window"
)

// services is the assembled resolution engine.
type services struct {
	observers  *service.Observers
	finalizer  *service.Finalizer
	resolution *service.ResolutionService
}

// buildServices assembles observers, the finalizer and the coordinator. hub
// may be nil (sweep mode).
func (a *App) buildServices(deps *Dependencies, hub *ws.Hub) *services {
	obs := service.NewObservers(a.logger)
	if deps.Bus != nil {
		// The hub relays the bus, so it must not also observe directly.
		obs.Add("bus", service.NewBusObserver(deps.Bus))
	} else if hub != nil {
		obs.Add("ws", hub)
	}
	obs.Add("audit", service.NewAuditObserver(deps.Audit))
	if deps.Notifier.Enabled() {
		obs.Add("notify", deps.Notifier)
	}

	var attestor service.Attestor
	if deps.Attestor != nil {
		attestor = deps.Attestor
	}
	escrowTimeout := a.cfg.Resolution.EscrowTimeout.Duration
	fin := service.NewFinalizer(deps.Ledger, deps.Archiver, attestor, obs, escrowTimeout, a.logger)

	locks := service.NewMarketLocks(deps.Locker, a.cfg.Resolution.LockTTL.Duration)
	svc := service.NewResolutionService(
		deps.Store, deps.Catalog, deps.Ledger, window.SystemClock{}, locks, fin, obs,
		service.ResolutionConfig{
			EscrowTimeout: escrowTimeout,
			Reviewers:     a.cfg.Resolution.Reviewers,
		},
		a.logger,
	)

	a.logger.Info("resolution engine assembled",
		slog.Int("observers", obs.Len()),
		slog.Bool("archive", deps.Archiver != nil),
		slog.Bool("attestation", deps.Attestor != nil),
		slog.Bool("distributed_locks", deps.Locker != nil),
	)
	return &services{observers: obs, finalizer: fin, resolution: svc}
}

// ServerMode serves the HTTP and WebSocket API. Deadline notifications are
// left to a sweep-mode instance.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	hub := a.newHub(deps)
	svc := a.buildServices(deps, hub)
	a.startHTTPServer(ctx, g, deps, svc, hub)
	return g.Wait()
}

// SweepMode runs only the window sweeper.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode")

	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps, nil)
	a.startSweeper(ctx, g, deps, svc)
	return g.Wait()
}

// FullMode runs the API and the sweeper in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	hub := a.newHub(deps)
	svc := a.buildServices(deps, hub)
	a.startSweeper(ctx, g, deps, svc)
	a.startHTTPServer(ctx, g, deps, svc, hub)
	return g.Wait()
}

func (a *App) newHub(deps *Dependencies) *ws.Hub {
	return ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
	})
}

func (a *App) startSweeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	sweeper := service.NewSweeper(
		deps.Store, deps.Catalog, deps.Locker, deps.Audit, svc.finalizer, svc.observers, window.SystemClock{},
		service.SweepConfig{
			Interval:        a.cfg.Sweep.Interval.Duration,
			ExpiringWarning: a.cfg.Sweep.ExpiringWarning.Duration,
		},
		a.logger,
	)
	g.Go(func() error {
		return sweeper.Run(ctx)
	})
}

// startHTTPServer adds the hub and the HTTP server to g. The server shuts down
// gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services, hub *ws.Hub) {
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks),
		Status:     handler.NewStatusHandler(a.cfg.Mode, a.cfg.Store.Driver, a.cfg.Ledger.Driver, a.startedAt),
		Resolution: handler.NewResolutionHandler(svc.resolution, a.logger),
		Audit:      handler.NewAuditHandler(deps.Audit, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		IdentityTimeout: a.cfg.Identity.Timeout.Duration,
		RateLimit:       a.cfg.Server.RateLimit,
		RateWindow:      a.cfg.Server.RateWindow.Duration,
	}, handlers, server.Deps{
		Identity: deps.Identity,
		Limiter:  deps.Limiter,
	}, hub, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
