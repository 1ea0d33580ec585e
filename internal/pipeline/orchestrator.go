package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Sweeper is a periodic background job such as the expiry scheduler.
type Sweeper interface {
	Run(ctx context.Context) error
}

// Orchestrator runs the background workers: the expiry sweep, the success
// relay and the archive cron. The relay and archiver are optional.
type Orchestrator struct {
	expiry      Sweeper
	relay       *SuccessRelay
	archiver    *Archiver
	archiveCron string
	logger      *slog.Logger
}

// NewOrchestrator creates an Orchestrator. relay and archiver may be nil.
func NewOrchestrator(
	expiry Sweeper,
	relay *SuccessRelay,
	archiver *Archiver,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		expiry:      expiry,
		relay:       relay,
		archiver:    archiver,
		archiveCron: archiveCron,
		logger:      logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts every configured worker under one errgroup. A worker that
// fails for a reason other than shutdown cancels the rest.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "pipeline orchestrator starting",
		slog.Bool("relay", o.relay != nil),
		slog.Bool("archiver", o.archiver != nil),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.supervise(ctx, "expiry sweeper", o.expiry.Run)
	})
	if o.relay != nil {
		g.Go(func() error {
			return o.supervise(ctx, "success relay", o.relay.Run)
		})
	}
	if o.archiver != nil {
		g.Go(func() error {
			return o.supervise(ctx, "archiver", func(ctx context.Context) error {
				return o.archiver.RunCron(ctx, o.archiveCron)
			})
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}

func (o *Orchestrator) supervise(ctx context.Context, name string, run func(context.Context) error) error {
	o.logger.InfoContext(ctx, "starting worker", slog.String("worker", name))
	err := run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}
