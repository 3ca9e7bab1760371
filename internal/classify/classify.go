// Package classify derives a three-valued working/waiting/idle status per
// session from the tail of its record stream and wall-clock inactivity.
//
// Grounded on internal/session/session.go's StatusWatcher from the wider
// example pack (a mutex-guarded value plus a closed-and-replaced channel
// used to signal "state changed" to waiters) — generalized here from its
// 3-state process status (running/completed/killed) to this system's
// working/waiting/idle triple. That file belongs to the
// codespacesh-codewire example repo, not to ehrlich-b-wingthing; see
// DESIGN.md. Here the per-session state is mutex-guarded as there, but
// changes are delivered on one buffered Change channel, not by closing
// and replacing a channel.
package classify

import (
	"sync"
	"time"

	"github.com/sessiontap/sessiontap/internal/record"
	"github.com/sessiontap/sessiontap/internal/wire"
)

// DefaultIdleThreshold is the default time since the last record after which
// a session is classified idle.
const DefaultIdleThreshold = 10 * time.Minute

// DefaultTickInterval is how often the idle transition is re-evaluated on a
// timer (record-driven re-evaluation is immediate and doesn't wait on this).
const DefaultTickInterval = 60 * time.Second

// Change is a StateChanged event: a session transitioned to a new state.
type Change struct {
	SessionID    string
	State        wire.SessionState
	LastActivity time.Time
}

type sessionState struct {
	mu           sync.Mutex
	state        wire.SessionState
	lastRole     record.Role
	lastActivity time.Time
	hasRecord    bool
}

// Classifier tracks per-session state and emits Change events on transition.
type Classifier struct {
	idleThreshold time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState

	changes chan Change
}

// New creates a Classifier with the given idle threshold (use
// DefaultIdleThreshold if zero) and a buffered change feed of size
// changeBuf.
func New(idleThreshold time.Duration, changeBuf int) *Classifier {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	return &Classifier{
		idleThreshold: idleThreshold,
		sessions:      make(map[string]*sessionState),
		changes:       make(chan Change, changeBuf),
	}
}

// Changes returns the channel on which StateChanged events are delivered.
func (c *Classifier) Changes() <-chan Change {
	return c.changes
}

func (c *Classifier) stateFor(sessionID string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &sessionState{state: wire.StateIdle}
		c.sessions[sessionID] = s
	}
	return s
}

// OnRecord updates the classifier with a newly delivered record and emits a
// Change immediately if the state transitions.
func (c *Classifier) OnRecord(rec *record.Record) {
	s := c.stateFor(rec.SessionID)

	s.mu.Lock()
	s.hasRecord = true
	s.lastActivity = rec.CreatedAt
	s.lastRole = rec.Role
	next := stateForRole(rec.Role)
	changed := next != s.state
	s.state = next
	last := s.lastActivity
	s.mu.Unlock()

	if changed {
		c.emit(Change{SessionID: rec.SessionID, State: next, LastActivity: last})
	}
}

// Tick re-evaluates every known session against now and emits a Change for
// any session whose inactivity crosses idleThreshold. Called on a fixed
// interval (DefaultTickInterval) by the composition root.
func (c *Classifier) Tick(now time.Time) {
	c.mu.Lock()
	snapshot := make(map[string]*sessionState, len(c.sessions))
	for id, s := range c.sessions {
		snapshot[id] = s
	}
	c.mu.Unlock()

	for id, s := range snapshot {
		s.mu.Lock()
		if !s.hasRecord {
			s.mu.Unlock()
			continue
		}
		idle := now.Sub(s.lastActivity) >= c.idleThreshold
		var changed bool
		var next wire.SessionState
		var last time.Time
		if idle && s.state != wire.StateIdle {
			next = wire.StateIdle
			s.state = next
			changed = true
		}
		last = s.lastActivity
		s.mu.Unlock()

		if changed {
			c.emit(Change{SessionID: id, State: next, LastActivity: last})
		}
	}
}

// Current returns the current state for a session, defaulting to idle for an
// unknown session (matching "no record" => idle).
func (c *Classifier) Current(sessionID string) wire.SessionState {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return wire.StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Forget drops classifier state for a terminated session.
func (c *Classifier) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func stateForRole(r record.Role) wire.SessionState {
	if r == record.RoleUser {
		return wire.StateWorking
	}
	return wire.StateWaiting
}

func (c *Classifier) emit(ch Change) {
	select {
	case c.changes <- ch:
	default:
		// A full change feed means the broker is behind; state changes are
		// superseded by the next tick/record, so drop rather than block the
		// classifier. A dropped change is not re-sent; Current still reports
		// the latest state.
	}
}
