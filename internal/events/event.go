// Package events defines the immutable log rows produced by the tracker and
// the pure generator that builds them from session snapshots.
package events

import (
	"errors"
	"fmt"
)

// EventType identifies what a DomainEvent records.
type EventType string

const (
	OpenTimeStart   EventType = "open_time_start"
	OpenTimeEnd     EventType = "open_time_end"
	ActiveTimeStart EventType = "active_time_start"
	ActiveTimeEnd   EventType = "active_time_end"
	Checkpoint      EventType = "checkpoint"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case OpenTimeStart, OpenTimeEnd, ActiveTimeStart, ActiveTimeEnd, Checkpoint:
		return true
	}
	return false
}

// IsStart reports whether t opens a session.
func (t EventType) IsStart() bool { return t == OpenTimeStart || t == ActiveTimeStart }

// IsEnd reports whether t closes a session.
func (t EventType) IsEnd() bool { return t == OpenTimeEnd || t == ActiveTimeEnd }

// CheckpointType says which session a checkpoint measures.
type CheckpointType string

const (
	CheckpointActive CheckpointType = "active_time"
	CheckpointOpen   CheckpointType = "open_time"
)

// Resolution marks events that were synthesized rather than observed.
type Resolution string

const (
	ResolutionNone          Resolution = ""
	ResolutionCrashRecovery Resolution = "crash_recovery"
)

// CheckpointInfo is carried only by checkpoint events.
type CheckpointInfo struct {
	Type CheckpointType `json:"checkpointType"`
	// Duration is the elapsed session time, in milliseconds, since the
	// session started.
	Duration   int64 `json:"duration"`
	IsPeriodic bool  `json:"isPeriodic"`
}

// DomainEvent is one append-only row of the event log. Only IsProcessed
// changes after creation.
type DomainEvent struct {
	// ID is assigned by the log store; zero until persisted.
	ID          int64           `json:"id,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	Type        EventType       `json:"eventType"`
	TabID       int             `json:"tabId"`
	URL         string          `json:"url"`
	VisitID     string          `json:"visitId"`
	ActivityID  string          `json:"activityId,omitempty"`
	IsProcessed bool            `json:"isProcessed"`
	Resolution  Resolution      `json:"resolution,omitempty"`
	Checkpoint  *CheckpointInfo `json:"checkpoint,omitempty"`
}

// IsActive reports whether the event belongs to an active sub-session.
func (e DomainEvent) IsActive() bool {
	switch e.Type {
	case ActiveTimeStart, ActiveTimeEnd:
		return true
	case Checkpoint:
		return e.Checkpoint != nil && e.Checkpoint.Type == CheckpointActive
	}
	return false
}

// ErrInvalidEvent is wrapped by Validate failures.
var ErrInvalidEvent = errors.New("invalid event")

// Validate checks the structural shape of e.
func Validate(e DomainEvent) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
	}

	if !e.Type.Valid() {
		return fail("unknown event type %q", e.Type)
	}
	if e.Timestamp <= 0 {
		return fail("timestamp must be positive")
	}
	if e.TabID <= 0 {
		return fail("tabId must be positive")
	}
	if e.URL == "" {
		return fail("url is required")
	}
	if e.VisitID == "" {
		return fail("visitId is required")
	}

	switch e.Type {
	case ActiveTimeStart, ActiveTimeEnd:
		if e.ActivityID == "" {
			return fail("%s requires activityId", e.Type)
		}
	case OpenTimeStart, OpenTimeEnd:
		if e.ActivityID != "" {
			return fail("%s must not carry activityId", e.Type)
		}
	case Checkpoint:
		if e.Checkpoint == nil {
			return fail("checkpoint details are required")
		}
		if e.Checkpoint.Duration < 0 {
			return fail("checkpoint duration must not be negative")
		}
		switch e.Checkpoint.Type {
		case CheckpointActive:
			if e.ActivityID == "" {
				return fail("active_time checkpoint requires activityId")
			}
		case CheckpointOpen:
			if e.ActivityID != "" {
				return fail("open_time checkpoint must not carry activityId")
			}
		default:
			return fail("unknown checkpoint type %q", e.Checkpoint.Type)
		}
	}

	if e.Type != Checkpoint && e.Checkpoint != nil {
		return fail("%s must not carry checkpoint details", e.Type)
	}
	switch e.Resolution {
	case ResolutionNone, ResolutionCrashRecovery:
	default:
		return fail("unknown resolution %q", e.Resolution)
	}

	return nil
}
