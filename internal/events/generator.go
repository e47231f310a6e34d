package events

import (
	"errors"
	"fmt"

	"github.com/runnerr0/dwell/internal/urlfilter"
)

// ErrMissingActivityID is a contract violation: active time cannot end
// without the id of the activity being ended.
var ErrMissingActivityID = errors.New("cannot end active time without active activity ID")

// URLChecker is the subset of urlfilter.Filter the generator needs.
type URLChecker interface {
	Check(raw string) urlfilter.Result
}

// Context carries everything the generator needs to build one event. It is
// a read-only snapshot of session state; the generator never mutates it.
type Context struct {
	Timestamp  int64
	TabID      int
	URL        string
	VisitID    string
	ActivityID string
	Checkpoint *CheckpointInfo
	Resolution Resolution
}

// Result is the outcome of Generate. When Rejected is true, Event is the
// zero value and Reason explains why.
type Result struct {
	Event    DomainEvent
	Rejected bool
	Reason   string
}

// Generator builds DomainEvents. It is deterministic: the same inputs give
// the same event, with the timestamp always supplied by the caller.
type Generator struct {
	urls URLChecker
}

// NewGenerator returns a Generator that checks URLs with urls.
func NewGenerator(urls URLChecker) *Generator {
	return &Generator{urls: urls}
}

// Generate builds an event of type t from c. Untrackable URLs are reported
// as a rejection, not an error. Errors indicate a caller contract violation.
func (g *Generator) Generate(t EventType, c Context) (Result, error) {
	if !t.Valid() {
		return Result{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, t)
	}

	check := g.urls.Check(c.URL)
	if !check.Trackable {
		return Result{Rejected: true, Reason: check.Reason}, nil
	}

	ev := DomainEvent{
		Timestamp:  c.Timestamp,
		Type:       t,
		TabID:      c.TabID,
		URL:        check.Normalized,
		VisitID:    c.VisitID,
		Resolution: c.Resolution,
	}

	switch t {
	case OpenTimeStart, OpenTimeEnd:
		// open-time events never reference an activity
	case ActiveTimeStart:
		ev.ActivityID = c.ActivityID
	case ActiveTimeEnd:
		if c.ActivityID == "" {
			return Result{}, ErrMissingActivityID
		}
		ev.ActivityID = c.ActivityID
	case Checkpoint:
		if c.Checkpoint == nil {
			return Result{}, fmt.Errorf("%w: checkpoint details are required", ErrInvalidEvent)
		}
		info := *c.Checkpoint
		ev.Checkpoint = &info
		if info.Type == CheckpointActive {
			if c.ActivityID == "" {
				return Result{}, ErrMissingActivityID
			}
			ev.ActivityID = c.ActivityID
		}
	}

	if err := Validate(ev); err != nil {
		return Result{}, err
	}
	return Result{Event: ev}, nil
}

// OpenStart builds an open_time_start event.
func (g *Generator) OpenStart(c Context) (Result, error) { return g.Generate(OpenTimeStart, c) }

// OpenEnd builds an open_time_end event.
func (g *Generator) OpenEnd(c Context) (Result, error) { return g.Generate(OpenTimeEnd, c) }

// ActiveStart builds an active_time_start event.
func (g *Generator) ActiveStart(c Context) (Result, error) { return g.Generate(ActiveTimeStart, c) }

// ActiveEnd builds an active_time_end event.
func (g *Generator) ActiveEnd(c Context) (Result, error) { return g.Generate(ActiveTimeEnd, c) }

// NewCheckpoint builds a checkpoint event for the session selected by
// info.Type. Open-time checkpoints ignore c.ActivityID.
func (g *Generator) NewCheckpoint(c Context, info CheckpointInfo) (Result, error) {
	c.Checkpoint = &info
	if info.Type == CheckpointOpen {
		c.ActivityID = ""
	}
	return g.Generate(Checkpoint, c)
}
