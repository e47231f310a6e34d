package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/runnerr0/dwell/internal/config"
	"github.com/runnerr0/dwell/internal/storage"
	"github.com/runnerr0/dwell/internal/tabstate"
	"github.com/runnerr0/dwell/internal/tracker"
)

// shutdownGrace is added to the queue's shutdown timeout for the final
// aggregation.
const shutdownGrace = 5 * time.Second

// Execute implements the go-flags Commander interface for RunCommand.
func (c *RunCommand) Execute(args []string) error {
	store, cfg, closeFn, err := openStore(c.globals)
	if err != nil {
		return err
	}
	defer closeFn()

	var in io.ReadCloser = os.Stdin
	if c.Input != "" {
		f, err := os.Open(c.Input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.run(ctx, cfg, store, in)
}

// run hosts the pipeline until in is exhausted or ctx is cancelled, then
// shuts it down on a fresh context.
func (c *RunCommand) run(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore, in io.ReadCloser) error {
	svc, err := tracker.New(ctx, cfg, store, log.Logger)
	if err != nil {
		return err
	}

	rec, err := svc.Start(ctx)
	if err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}
	log.Info().
		Int("orphans", rec.Orphans).
		Int("synthesized", rec.Synthesized).
		Int("events", rec.Aggregation.Events).
		Msg("tracker started")

	serveErr := serve(ctx, svc, in)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout.D()+shutdownGrace)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("shutdown: %w", err))
	}
	log.Info().Msg("tracker stopped")
	return serveErr
}

// serve feeds decoded events into svc. Cancelling ctx closes in so a
// blocked read returns.
func serve(ctx context.Context, svc *tracker.Service, in io.ReadCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		n, err := decodeEvents(in, func(ev tabstate.BrowserEventData) error {
			return svc.Handle(gctx, ev)
		})
		log.Info().Int("events", n).Msg("input finished")
		if err != nil && gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := in.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			log.Debug().Err(err).Msg("closing input")
		}
		return nil
	})
	return g.Wait()
}
