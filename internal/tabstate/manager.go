// Package tabstate owns the per-tab session state machine. Browser
// notifications drive transitions; every transition that opens or closes a
// session produces a DomainEvent for the queue.
package tabstate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/events"
)

// Sink receives generated events in transition order.
type Sink interface {
	Enqueue(ctx context.Context, ev events.DomainEvent) error
}

// Options configures idle detection and interaction thresholds.
type Options struct {
	IdleTimeout        time.Duration
	AudibleIdleTimeout time.Duration
	ScrollThreshold    float64
	MouseMoveThreshold float64
}

// session is the owned record behind a TabState.
type session struct {
	TabState
	idle clock.Timer
}

// Manager is safe for concurrent use. Events are generated under the state
// lock and handed to the sink after it is released.
type Manager struct {
	opts  Options
	urls  events.URLChecker
	gen   *events.Generator
	sink  Sink
	clk   clock.Clock
	log   zerolog.Logger
	newID func() string

	mu             sync.Mutex
	tabs           map[int]*session
	focusedTab     int
	focusedWindow  int
	activeByWindow map[int]int
	closed         bool

	// emitMu keeps emission in transition order across goroutines.
	emitMu sync.Mutex
}

// NewManager creates a Manager that checks URLs with urls, builds events
// with gen and hands them to sink.
func NewManager(opts Options, urls events.URLChecker, gen *events.Generator, sink Sink, clk clock.Clock, log zerolog.Logger) *Manager {
	return &Manager{
		opts:           opts,
		urls:           urls,
		gen:            gen,
		sink:           sink,
		clk:            clk,
		log:            log.With().Str("component", "tabstate").Logger(),
		newID:          uuid.NewString,
		tabs:           make(map[int]*session),
		activeByWindow: make(map[int]int),
	}
}

// WithIDSource replaces the visit/activity id generator.
func (m *Manager) WithIDSource(fn func() string) *Manager {
	m.newID = fn
	return m
}

// Handle applies one browser notification. Malformed payloads return
// ErrMalformedEvent and leave state untouched.
func (m *Manager) Handle(ctx context.Context, ev BrowserEventData) error {
	if err := ev.Validate(); err != nil {
		m.log.Warn().Err(err).Int("tab_id", ev.TabID).Msg("dropping browser event")
		return err
	}

	ts := ev.Timestamp
	if ts <= 0 {
		ts = clock.NowMillis(m.clk)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	var out []events.DomainEvent
	switch ev.Kind {
	case KindTabActivated:
		out = m.activateLocked(ev.TabID, ev.WindowID, ev.URL, ts)
	case KindTabUpdated:
		if ev.Status == StatusComplete {
			out = m.navigateLocked(ev.TabID, ev.WindowID, ev.URL, ts)
		}
	case KindNavigationCommitted:
		if ev.FrameID == 0 {
			out = m.navigateLocked(ev.TabID, ev.WindowID, ev.URL, ts)
		}
	case KindTabRemoved:
		out = m.closeLocked(ev.TabID, ts)
		if m.focusedTab == ev.TabID {
			m.focusedTab = 0
		}
		for w, t := range m.activeByWindow {
			if t == ev.TabID {
				delete(m.activeByWindow, w)
			}
		}
	case KindWindowFocusChanged:
		out = m.windowFocusLocked(ev.WindowID, ev.TabID, ts)
	case KindRuntimeSuspend:
		out = m.suspendLocked(ts)
	case KindIdleStateChanged:
		if ev.IdleState != IdleActive {
			if s := m.tabs[m.focusedTab]; s != nil {
				out = m.endActiveLocked(s, ts)
			}
		}
	case KindAudibleChanged:
		out = m.audibleLocked(ev.TabID, *ev.Audible, ts)
	case KindUserInteraction:
		out = m.interactLocked(ev, ts)
	}

	m.emitAndUnlock(ctx, out)
	return nil
}

// Snapshot returns a copy of one tab's state.
func (m *Manager) Snapshot(tabID int) (TabState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tabs[tabID]
	if !ok {
		return TabState{}, false
	}
	return s.TabState, true
}

// Snapshots returns copies of every live session ordered by tab id.
func (m *Manager) Snapshots() ([]TabState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]TabState, 0, len(m.tabs))
	for _, s := range m.tabs {
		out = append(out, s.TabState)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out, nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tabs)
}

// Close stops every idle timer without emitting events. Sessions are left
// for crash recovery to resolve; call Handle with KindRuntimeSuspend first
// for a clean stop.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.tabs {
		m.stopIdleLocked(s)
	}
	m.closed = true
}

func (m *Manager) emitAndUnlock(ctx context.Context, out []events.DomainEvent) {
	if len(out) == 0 {
		m.mu.Unlock()
		return
	}
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()

	for _, ev := range out {
		if err := m.sink.Enqueue(ctx, ev); err != nil {
			m.log.Error().Err(err).
				Str("event_type", string(ev.Type)).
				Int("tab_id", ev.TabID).
				Str("visit_id", ev.VisitID).
				Msg("failed to enqueue event")
		}
	}
}

func (m *Manager) activateLocked(tabID, windowID int, url string, ts int64) []events.DomainEvent {
	var out []events.DomainEvent
	if windowID != 0 {
		m.activeByWindow[windowID] = tabID
		m.focusedWindow = windowID
	}
	out = append(out, m.focusLocked(tabID, ts)...)
	out = append(out, m.navigateLocked(tabID, windowID, url, ts)...)
	return out
}

// navigateLocked moves tabID to url: same URL keeps the session, a
// different trackable URL replaces it, an untrackable URL closes it.
func (m *Manager) navigateLocked(tabID, windowID int, url string, ts int64) []events.DomainEvent {
	check := m.urls.Check(url)
	s := m.tabs[tabID]

	if s != nil && check.Trackable && check.Normalized == s.URL {
		if windowID != 0 {
			s.WindowID = windowID
		}
		return nil
	}

	var out []events.DomainEvent
	if s != nil {
		out = append(out, m.closeLocked(tabID, ts)...)
	}
	if !check.Trackable {
		m.log.Debug().Int("tab_id", tabID).Str("reason", check.Reason).Msg("url not tracked")
		return out
	}

	if windowID == 0 && s != nil {
		windowID = s.WindowID
	}
	ns := &session{TabState: TabState{
		TabID:         tabID,
		WindowID:      windowID,
		URL:           check.Normalized,
		VisitID:       m.newID(),
		IsFocused:     tabID == m.focusedTab,
		OpenTimeStart: ts,
	}}
	if s != nil {
		ns.IsAudible = s.IsAudible
	}
	m.tabs[tabID] = ns

	return append(out, m.generateLocked(events.OpenTimeStart, ns, ts)...)
}

// closeLocked ends any activity, then the visit, and forgets the tab.
func (m *Manager) closeLocked(tabID int, ts int64) []events.DomainEvent {
	s := m.tabs[tabID]
	if s == nil {
		return nil
	}
	out := m.endActiveLocked(s, ts)
	out = append(out, m.generateLocked(events.OpenTimeEnd, s, ts)...)
	m.stopIdleLocked(s)
	delete(m.tabs, tabID)
	return out
}

func (m *Manager) suspendLocked(ts int64) []events.DomainEvent {
	ids := make([]int, 0, len(m.tabs))
	for id := range m.tabs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var out []events.DomainEvent
	for _, id := range ids {
		out = append(out, m.closeLocked(id, ts)...)
	}
	return out
}

// focusLocked moves focus to tabID, ending activity on the tab losing it.
func (m *Manager) focusLocked(tabID int, ts int64) []events.DomainEvent {
	var out []events.DomainEvent
	if m.focusedTab != tabID {
		if old := m.tabs[m.focusedTab]; old != nil {
			out = m.endActiveLocked(old, ts)
			old.IsFocused = false
		}
	}
	m.focusedTab = tabID
	if s := m.tabs[tabID]; s != nil {
		s.IsFocused = true
	}
	return out
}

func (m *Manager) windowFocusLocked(windowID, tabID int, ts int64) []events.DomainEvent {
	if windowID == NoWindow {
		var out []events.DomainEvent
		if s := m.tabs[m.focusedTab]; s != nil {
			out = m.endActiveLocked(s, ts)
			s.IsFocused = false
		}
		m.focusedTab = 0
		m.focusedWindow = NoWindow
		return out
	}

	m.focusedWindow = windowID
	if tabID > 0 {
		m.activeByWindow[windowID] = tabID
	} else {
		tabID = m.activeByWindow[windowID]
	}
	return m.focusLocked(tabID, ts)
}

func (m *Manager) audibleLocked(tabID int, audible bool, ts int64) []events.DomainEvent {
	s := m.tabs[tabID]
	if s == nil || s.IsAudible == audible {
		return nil
	}
	s.IsAudible = audible
	if s.ActivityID == "" {
		return nil
	}

	// Re-arm against the new timeout; elapsed time since the last
	// interaction still counts.
	deadline := s.LastInteraction + m.timeoutFor(s).Milliseconds()
	if deadline <= ts {
		return m.endActiveLocked(s, deadline)
	}
	m.armIdleLocked(s)
	return nil
}

func (m *Manager) interactLocked(ev BrowserEventData, ts int64) []events.DomainEvent {
	if !m.qualifies(ev.Interaction, ev.Magnitude) {
		return nil
	}
	// Nothing is focused after every window lost focus; before the first
	// focus notification the interacting tab is taken as focused.
	if m.focusedWindow == NoWindow && m.focusedTab == 0 {
		return nil
	}
	if m.focusedTab == 0 {
		m.focusedTab = ev.TabID
	}
	if m.focusedTab != ev.TabID {
		return nil
	}

	var out []events.DomainEvent

	s := m.tabs[ev.TabID]
	if s == nil {
		if ev.URL == "" {
			return nil
		}
		out = append(out, m.navigateLocked(ev.TabID, ev.WindowID, ev.URL, ts)...)
		if s = m.tabs[ev.TabID]; s == nil {
			return out
		}
	}
	s.IsFocused = true
	s.LastInteraction = ts

	if s.ActivityID == "" {
		s.ActivityID = m.newID()
		s.ActiveTimeStart = ts
		out = append(out, m.generateLocked(events.ActiveTimeStart, s, ts)...)
	}
	m.armIdleLocked(s)
	return out
}

func (m *Manager) qualifies(kind Interaction, magnitude float64) bool {
	switch kind {
	case InteractionClick, InteractionKeypress:
		return true
	case InteractionScroll:
		return magnitude >= m.opts.ScrollThreshold
	case InteractionMouseMove:
		return magnitude >= m.opts.MouseMoveThreshold
	}
	return false
}

// endActiveLocked returns s to OpenOnly. It is a no-op without activity.
func (m *Manager) endActiveLocked(s *session, ts int64) []events.DomainEvent {
	if s.ActivityID == "" {
		return nil
	}
	out := m.generateLocked(events.ActiveTimeEnd, s, ts)
	s.ActivityID = ""
	s.ActiveTimeStart = 0
	m.stopIdleLocked(s)
	return out
}

func (m *Manager) timeoutFor(s *session) time.Duration {
	if s.IsAudible {
		return m.opts.AudibleIdleTimeout
	}
	return m.opts.IdleTimeout
}

// armIdleLocked cancels the pending idle timer and schedules a new one for
// lastInteraction + timeout.
func (m *Manager) armIdleLocked(s *session) {
	m.stopIdleLocked(s)
	deadline := s.LastInteraction + m.timeoutFor(s).Milliseconds()
	remaining := time.Duration(deadline-clock.NowMillis(m.clk)) * time.Millisecond
	tabID, activityID := s.TabID, s.ActivityID
	s.idle = m.clk.AfterFunc(max(remaining, 0), func() { m.onIdle(tabID, activityID) })
}

func (m *Manager) stopIdleLocked(s *session) {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

func (m *Manager) onIdle(tabID int, activityID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	s := m.tabs[tabID]
	if s == nil || s.ActivityID != activityID {
		m.mu.Unlock()
		return
	}

	deadline := s.LastInteraction + m.timeoutFor(s).Milliseconds()
	if now := clock.NowMillis(m.clk); now < deadline {
		m.armIdleLocked(s)
		m.mu.Unlock()
		return
	}

	m.log.Debug().Int("tab_id", tabID).Str("activity_id", activityID).Msg("idle timeout")
	m.emitAndUnlock(context.Background(), m.endActiveLocked(s, deadline))
}

func (m *Manager) generateLocked(t events.EventType, s *session, ts int64) []events.DomainEvent {
	res, err := m.gen.Generate(t, events.Context{
		Timestamp:  ts,
		TabID:      s.TabID,
		URL:        s.URL,
		VisitID:    s.VisitID,
		ActivityID: s.ActivityID,
	})
	if err != nil {
		lvl := m.log.Warn()
		if errors.Is(err, events.ErrMissingActivityID) {
			lvl = m.log.Error()
		}
		lvl.Err(err).Str("event_type", string(t)).Int("tab_id", s.TabID).Msg("event generation failed")
		return nil
	}
	if res.Rejected {
		m.log.Debug().Str("event_type", string(t)).Str("reason", res.Reason).Msg("event rejected")
		return nil
	}
	return []events.DomainEvent{res.Event}
}
