// Package registry holds the authoritative map of discovered sessions,
// grounded on the teacher's internal/relay/sessions.go SessionManager shape
// (a mutex-guarded map with explicit add/remove/lookup operations),
// generalized here from connection-keyed state to session-keyed state.
package registry

import (
	"sync"
	"time"

	"github.com/sessiontap/sessiontap/internal/record"
)

// Status is the lifecycle stage of a SessionDescriptor.
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusTerminated Status = "terminated"
)

// Descriptor describes a discovered session and its metadata.
type Descriptor struct {
	SessionID    string
	ProjectLabel string
	LogPath      string
	FirstSeen    time.Time
	LastActivity time.Time
	RecordCount  uint64
	ParseErrors  uint64
	Status       Status
}

// Notification is emitted to subscribers of registry lifecycle events (C7).
type Notification struct {
	Kind       string // "discovered" | "terminated"
	SessionID  string
	Descriptor Descriptor
}

// Registry is the owner of session metadata. All mutating methods serialize
// on one RWMutex so reads never race writes; there is no mailbox goroutine.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Descriptor
	notif chan Notification
}

// New creates a Registry. notifyBuf sizes the notification channel; callers
// that don't care about notifications may pass 0 and never read Notify().
func New(notifyBuf int) *Registry {
	return &Registry{
		byID:  make(map[string]*Descriptor),
		notif: make(chan Notification, notifyBuf),
	}
}

// Notify returns the channel on which SessionDiscovered/SessionTerminated
// notifications are delivered to C7.
func (r *Registry) Notify() <-chan Notification {
	return r.notif
}

// Upsert installs a newly discovered descriptor, or is a no-op if one with
// the same SessionID is already present.
func (r *Registry) Upsert(d Descriptor) {
	r.mu.Lock()
	_, exists := r.byID[d.SessionID]
	if !exists {
		cp := d
		r.byID[d.SessionID] = &cp
	}
	r.mu.Unlock()

	if !exists {
		r.emit(Notification{Kind: "discovered", SessionID: d.SessionID, Descriptor: d})
	}
}

// MarkRecord updates last_activity and increments record_count for a
// session, and moves it to "active" status if it was "discovered" or "idle".
func (r *Registry) MarkRecord(sessionID string, rec *record.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[sessionID]
	if !ok {
		return
	}
	d.LastActivity = rec.CreatedAt
	d.RecordCount++
	if d.Status == StatusDiscovered || d.Status == StatusIdle {
		d.Status = StatusActive
	}
}

// MarkParseError increments the parse-error counter for observability.
func (r *Registry) MarkParseError(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byID[sessionID]; ok {
		d.ParseErrors++
	}
}

// MarkIdle transitions a session to idle; the composition root calls it when
// the classifier reports an idle transition.
func (r *Registry) MarkIdle(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byID[sessionID]; ok && d.Status != StatusTerminated {
		d.Status = StatusIdle
	}
}

// MarkTerminated transitions a session to terminated and emits a
// notification so C7 can terminate any subscriber.
func (r *Registry) MarkTerminated(sessionID string) {
	r.mu.Lock()
	d, ok := r.byID[sessionID]
	if ok {
		d.Status = StatusTerminated
	}
	var cp Descriptor
	if ok {
		cp = *d
	}
	r.mu.Unlock()

	if ok {
		r.emit(Notification{Kind: "terminated", SessionID: sessionID, Descriptor: cp})
	}
}

// Get returns a copy of the descriptor for sessionID.
func (r *Registry) Get(sessionID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[sessionID]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// List returns a snapshot of all known descriptors.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, *d)
	}
	return out
}

func (r *Registry) emit(n Notification) {
	select {
	case r.notif <- n:
	default:
		// Notification channel is a best-effort announcement feed (used for
		// session_notification broadcasts); a full buffer means no one is
		// listening right now, so drop rather than block session discovery.
	}
}
