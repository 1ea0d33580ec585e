package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pricecut/internal/bargain"
	"github.com/alanyoungcy/pricecut/internal/pipeline"
	"github.com/alanyoungcy/pricecut/internal/server"
	"github.com/alanyoungcy/pricecut/internal/server/handler"
	"github.com/alanyoungcy/pricecut/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP API and the websocket hub. Expired sessions are
// still closed lazily when touched; the sweep runs in worker mode.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, engine *bargain.Engine) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, engine)
	return g.Wait()
}

// WorkerMode runs the background workers: the expiry sweep, the success
// relay and the archiver.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies, engine *bargain.Engine) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps, engine)
	return g.Wait()
}

// FullMode runs the API and the workers in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, engine *bargain.Engine) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, engine)
	a.startWorkers(ctx, g, deps, engine)
	return g.Wait()
}

func (a *App) newEngine(deps *Dependencies) *bargain.Engine {
	b := a.cfg.Bargain
	return bargain.New(bargain.Config{
		SessionTTL:        b.SessionTTL.Duration,
		AllowInitiatorCut: b.AllowInitiatorCut,
		LockTTL:           b.LockTTL.Duration,
		LockWait:          b.LockWait.Duration,
		MaxRetries:        b.MaxRetries,
		RetryBaseDelay:    b.RetryBaseDelay.Duration,
		RetryMaxDelay:     b.RetryMaxDelay.Duration,
		ExpiryTick:        b.ExpiryTick.Duration,
		ExpiryBatch:       b.ExpiryBatch,
	}, bargain.Deps{
		Campaigns: deps.CampaignStore,
		Sessions:  deps.SessionStore,
		Cache:     deps.CampaignCache,
		Locks:     deps.LockManager,
		Events:    bargain.NewBusPublisher(deps.SignalBus, a.logger),
		Logger:    a.logger,
	})
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *bargain.Engine) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status: &handler.StatusHandler{
			Mode:           a.cfg.Mode,
			StorageBackend: a.cfg.StorageBackend,
			LockBackend:    a.cfg.Bargain.LockBackend,
			StartedAt:      a.startedAt,
		},
		Sessions:  handler.NewSessionHandler(engine.Sessions, engine.Cuts, a.logger),
		Campaigns: handler.NewCampaignHandler(engine.Campaigns, a.logger),
		Pipeline:  handler.NewPipelineHandler(engine.Expiry, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		AdminAPIKey:   a.cfg.Server.AdminAPIKey,
		CutRateLimit:  a.cfg.Bargain.CutRateLimit,
		CutRateWindow: a.cfg.Bargain.CutRateWindow.Duration,
	}, handlers, deps.RateLimiter, hub, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *bargain.Engine) {
	var relay *pipeline.SuccessRelay
	if deps.Notifier.Enabled() {
		relay = pipeline.NewSuccessRelay(deps.SignalBus, deps.Notifier, pipeline.RelayConfig{
			FromBeginning: a.cfg.Relay.FromBeginning,
			BatchSize:     a.cfg.Relay.BatchSize,
			Idle:          a.cfg.Relay.Idle.Duration,
		}, a.logger)
	} else {
		a.logger.InfoContext(ctx, "no notification channel configured, success relay disabled")
	}

	var archiver *pipeline.Archiver
	if deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	}

	orch := pipeline.NewOrchestrator(engine.Expiry, relay, archiver, a.cfg.Archive.Cron, a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	a.logger.InfoContext(ctx, "workers started",
		slog.Duration("expiry_tick", a.cfg.Bargain.ExpiryTick.Duration),
		slog.Bool("relay", relay != nil),
		slog.Bool("archiver", archiver != nil),
	)
}
