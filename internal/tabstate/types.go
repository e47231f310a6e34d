package tabstate

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent is returned for browser payloads missing required
	// fields. The payload is dropped; manager state is unchanged.
	ErrMalformedEvent = errors.New("malformed browser event")

	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("tab state manager closed")
)

// Kind is the type of a normalized browser notification.
type Kind string

const (
	KindTabActivated        Kind = "tab_activated"
	KindTabUpdated          Kind = "tab_updated"
	KindTabRemoved          Kind = "tab_removed"
	KindWindowFocusChanged  Kind = "window_focus_changed"
	KindNavigationCommitted Kind = "navigation_committed"
	KindRuntimeSuspend      Kind = "runtime_suspend"
	KindIdleStateChanged    Kind = "idle_state_changed"
	KindAudibleChanged      Kind = "audible_changed"
	KindUserInteraction     Kind = "user_interaction"
)

// Interaction is the kind of user input reported by a content script.
type Interaction string

const (
	InteractionScroll    Interaction = "scroll"
	InteractionMouseMove Interaction = "mousemove"
	InteractionClick     Interaction = "click"
	InteractionKeypress  Interaction = "keypress"
)

// System idle states.
const (
	IdleActive = "active"
	IdleIdle   = "idle"
	IdleLocked = "locked"
)

// StatusComplete is the tab_updated status that marks a finished load.
const StatusComplete = "complete"

// NoWindow is the window id reported when every browser window lost focus.
const NoWindow = -1

// BrowserEventData is the normalized browser notification consumed by the
// manager. Timestamp is unix milliseconds; zero means "now".
type BrowserEventData struct {
	Kind        Kind        `json:"kind"`
	TabID       int         `json:"tabId,omitempty"`
	WindowID    int         `json:"windowId,omitempty"`
	URL         string      `json:"url,omitempty"`
	Status      string      `json:"status,omitempty"`
	FrameID     int         `json:"frameId,omitempty"`
	IdleState   string      `json:"idleState,omitempty"`
	Audible     *bool       `json:"audible,omitempty"`
	Interaction Interaction `json:"interaction,omitempty"`
	Magnitude   float64     `json:"magnitude,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"`
}

// Validate checks the fields each kind requires.
func (e BrowserEventData) Validate() error {
	malformed := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrMalformedEvent, e.Kind, fmt.Sprintf(format, args...))
	}

	switch e.Kind {
	case KindRuntimeSuspend, KindWindowFocusChanged:
		return nil
	case KindIdleStateChanged:
		switch e.IdleState {
		case IdleActive, IdleIdle, IdleLocked:
			return nil
		}
		return malformed("unknown idle state %q", e.IdleState)
	case KindTabActivated, KindTabUpdated, KindTabRemoved, KindNavigationCommitted,
		KindAudibleChanged, KindUserInteraction:
	case "":
		return fmt.Errorf("%w: missing kind", ErrMalformedEvent)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}

	if e.TabID <= 0 {
		return malformed("missing tabId")
	}

	switch e.Kind {
	case KindTabActivated, KindNavigationCommitted:
		if e.URL == "" {
			return malformed("missing url")
		}
	case KindTabUpdated:
		if e.Status == StatusComplete && e.URL == "" {
			return malformed("missing url")
		}
	case KindAudibleChanged:
		if e.Audible == nil {
			return malformed("missing audible flag")
		}
	case KindUserInteraction:
		switch e.Interaction {
		case InteractionScroll, InteractionMouseMove, InteractionClick, InteractionKeypress:
		default:
			return malformed("unknown interaction %q", e.Interaction)
		}
	}
	return nil
}

// State is the session state of one tab.
type State string

const (
	StateNoSession     State = "no_session"
	StateOpenOnly      State = "open_only"
	StateOpenAndActive State = "open_and_active"
)

// TabState is a copy of one tab's session record. Timestamps are unix
// milliseconds; ActiveTimeStart is zero when no activity is running.
type TabState struct {
	TabID           int    `json:"tabId"`
	WindowID        int    `json:"windowId"`
	URL             string `json:"url"`
	VisitID         string `json:"visitId"`
	ActivityID      string `json:"activityId,omitempty"`
	IsAudible       bool   `json:"isAudible"`
	IsFocused       bool   `json:"isFocused"`
	LastInteraction int64  `json:"lastInteraction"`
	OpenTimeStart   int64  `json:"openTimeStart"`
	ActiveTimeStart int64  `json:"activeTimeStart,omitempty"`
}

// State reports which session state the record is in.
func (s TabState) State() State {
	switch {
	case s.VisitID == "":
		return StateNoSession
	case s.ActivityID != "":
		return StateOpenAndActive
	default:
		return StateOpenOnly
	}
}
