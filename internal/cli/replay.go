package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/runnerr0/dwell/internal/aggregate"
	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/config"
	"github.com/runnerr0/dwell/internal/storage"
	"github.com/runnerr0/dwell/internal/tabstate"
	"github.com/runnerr0/dwell/internal/tracker"
)

type replayJSON struct {
	File       string                   `json:"file"`
	Events     int                      `json:"events"`
	From       string                   `json:"from,omitempty"`
	To         string                   `json:"to,omitempty"`
	Recovery   aggregate.RecoveryResult `json:"recovery"`
	LogEvents  int64                    `json:"log_events"`
	OpenTime   int64                    `json:"total_open_time_ms"`
	ActiveTime int64                    `json:"total_active_time_ms"`
}

// Execute implements the go-flags Commander interface for ReplayCommand.
func (c *ReplayCommand) Execute(args []string) error {
	store, cfg, closeFn, err := openStore(c.globals)
	if err != nil {
		return err
	}
	defer closeFn()

	f, err := os.Open(c.Args.File)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	return c.replay(context.Background(), cfg, store, f)
}

// replay runs the recorded events on a simulated clock that starts at the
// first event and jumps forward to each later one, so idle timeouts and
// queue flushes fire as they would have live.
func (c *ReplayCommand) replay(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore, r io.Reader) error {
	var (
		clk      *clock.Fake
		svc      *tracker.Service
		out      = replayJSON{File: c.Args.File}
		from, to time.Time
	)

	n, err := decodeEvents(r, func(ev tabstate.BrowserEventData) error {
		if ev.Timestamp <= 0 {
			return fmt.Errorf("%w: replayed events need a timestamp", tabstate.ErrMalformedEvent)
		}
		at := time.UnixMilli(ev.Timestamp)

		if svc == nil {
			clk = clock.NewFake(at)
			s, err := tracker.New(ctx, cfg, store, log.Logger,
				tracker.WithClock(clk), tracker.WithoutSchedules())
			if err != nil {
				return err
			}
			rec, err := s.Start(ctx)
			if err != nil {
				return fmt.Errorf("start tracker: %w", err)
			}
			svc, from, out.Recovery = s, at, rec
		}

		if now := clk.Now(); at.After(now) {
			clk.Advance(at.Sub(now))
		}
		to = clk.Now()
		return svc.Handle(ctx, ev)
	})
	out.Events = n

	if svc != nil {
		if shutdownErr := svc.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = fmt.Errorf("shutdown: %w", shutdownErr)
		}
	}
	if err != nil {
		return err
	}

	st, err := store.LogStats(ctx)
	if err != nil {
		return fmt.Errorf("log stats: %w", err)
	}
	out.LogEvents = st.TotalEvents
	out.OpenTime = st.TotalOpenTime
	out.ActiveTime = st.TotalActiveTime
	if svc != nil {
		out.From = from.UTC().Format(time.RFC3339)
		out.To = to.UTC().Format(time.RFC3339)
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(out)
	}

	if svc == nil {
		fmt.Println("No events to replay.")
		return nil
	}
	fmt.Printf("Replayed %s events from %s (%s to %s).\n",
		humanize.Comma(int64(n)), out.File, out.From, out.To)
	if out.Recovery.Synthesized > 0 {
		fmt.Printf("Closed %d sessions left open by an earlier run.\n", out.Recovery.Synthesized)
	}
	fmt.Printf("Event log:  %s events\n", humanize.Comma(out.LogEvents))
	fmt.Printf("Open time:  %s\n", formatMillis(out.OpenTime))
	fmt.Printf("Active:     %s\n", formatMillis(out.ActiveTime))
	return nil
}
