// Package broker implements the Subscription Broker (C7): an at-most-one
// subscriber per session, with cooperative takeover, a bounded history
// ring per session for the prelude on subscribe, and broadcast-to-all for
// session-discovered announcements.
//
// Grounded on the teacher's internal/relay/sessions.go SessionManager
// (daemons/clients maps keyed by user, RouteToUser/BroadcastToClients),
// tightened from "one daemon + many clients per user" to "at most one
// client per session, with takeover" — the teacher's RouteToUser already
// picks "first available daemon"; this narrows that to an enforced single
// slot.
package broker

import (
	"sync"
	"time"

	"github.com/sessiontap/sessiontap/internal/record"
	"github.com/sessiontap/sessiontap/internal/registry"
	"github.com/sessiontap/sessiontap/internal/wire"
)

// DefaultHistoryCap is the default size of the per-session history ring —
// the spec.md §9 open question's suggested "say 200 records".
const DefaultHistoryCap = 200

// Outbound is one message queued to a subscriber's mailbox: a wire type plus
// its typed payload, encoded into a wire.Envelope by the connection manager.
type Outbound struct {
	Type    wire.Type
	Payload any
}

// Subscriber is the connection-manager side of a subscription: enough for
// the broker to address and deliver to a client without depending on the
// transport.
type Subscriber interface {
	ClientID() string
	DeviceID() string
	// Mailbox is the client's bounded outbound queue. Sends block when full
	// to preserve record ordering; a send still blocked after deliverTimeout
	// closes the subscriber as a slow consumer instead of skipping the event.
	// The connection manager runs its own slow-consumer cutoff as well (§5).
	Mailbox() chan<- Outbound
	// Close terminates the subscriber's connection with the given close
	// code/reason. Called from the broker's goroutine, not the
	// subscriber's own — implementations must be safe to call
	// concurrently with their own read/write loops.
	Close(code wire.CloseCode, reason string)
}

// Result is the outcome of a Subscribe call.
type Result struct {
	Kind           ResultKind
	ExistingDevice string
}

type ResultKind string

const (
	ResultSubscribed    ResultKind = "subscribed"
	ResultOccupied      ResultKind = "occupied"
	ResultNoSuchSession ResultKind = "no_such_session"
)

type sessionBroker struct {
	mu         sync.Mutex
	subscriber Subscriber
	history    []Outbound
	historyCap int
}

func (sb *sessionBroker) appendHistory(o Outbound) {
	sb.history = append(sb.history, o)
	if over := len(sb.history) - sb.historyCap; over > 0 {
		sb.history = sb.history[over:]
	}
}

// Broker owns all per-session subscription state.
type Broker struct {
	reg        *registry.Registry
	historyCap int

	mu       sync.RWMutex
	sessions map[string]*sessionBroker

	allMu sync.Mutex
	all   map[string]Subscriber // every authenticated, connected client — for broadcast_all
}

// New creates a Broker. reg is consulted to reject subscribe() for unknown
// sessions.
func New(reg *registry.Registry, historyCap int) *Broker {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &Broker{
		reg:        reg,
		historyCap: historyCap,
		sessions:   make(map[string]*sessionBroker),
		all:        make(map[string]Subscriber),
	}
}

func (b *Broker) sessionFor(sessionID string) *sessionBroker {
	b.mu.RLock()
	sb, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if ok {
		return sb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if sb, ok = b.sessions[sessionID]; ok {
		return sb
	}
	sb = &sessionBroker{historyCap: b.historyCap}
	b.sessions[sessionID] = sb
	return sb
}

// RegisterClient adds a connected, authenticated client to the
// broadcast-all roster.
func (b *Broker) RegisterClient(sub Subscriber) {
	b.allMu.Lock()
	b.all[sub.ClientID()] = sub
	b.allMu.Unlock()
}

// UnregisterClient removes a client from the broadcast-all roster and, if
// it currently holds any session's subscription, releases it.
func (b *Broker) UnregisterClient(sub Subscriber) {
	b.allMu.Lock()
	delete(b.all, sub.ClientID())
	b.allMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sb := range b.sessions {
		sb.mu.Lock()
		if sb.subscriber != nil && sb.subscriber.ClientID() == sub.ClientID() {
			sb.subscriber = nil
		}
		sb.mu.Unlock()
	}
}

// Subscribe attaches sub to sessionID, handling takeover per force, and
// delivers the history prelude before returning. The session-level lock
// held throughout guarantees live events published concurrently are
// serialized after the prelude — they simply block on the same lock until
// Subscribe releases it.
func (b *Broker) Subscribe(sub Subscriber, sessionID string, force bool) Result {
	if d, ok := b.reg.Get(sessionID); !ok || d.Status == registry.StatusTerminated {
		return Result{Kind: ResultNoSuchSession}
	}

	sb := b.sessionFor(sessionID)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.subscriber != nil && sb.subscriber.ClientID() != sub.ClientID() {
		if !force {
			return Result{Kind: ResultOccupied, ExistingDevice: sb.subscriber.DeviceID()}
		}
		displaced := sb.subscriber
		deliver(displaced, Outbound{
			Type:    wire.TypeSessionTakenOver,
			Payload: wire.SessionTakenOverPayload{NewDevice: sub.DeviceID()},
		})
		displaced.Close(wire.CloseTakeover, wire.ReasonTakeover)
	}

	sb.subscriber = sub
	deliver(sub, Outbound{Type: wire.TypeSessionHistoryStart})
	for _, h := range sb.history {
		deliver(sub, h)
	}
	deliver(sub, Outbound{Type: wire.TypeSessionHistoryEnd})

	return Result{Kind: ResultSubscribed}
}

// Unsubscribe removes sub as sessionID's subscriber, if it is.
func (b *Broker) Unsubscribe(sub Subscriber, sessionID string) {
	b.mu.RLock()
	sb, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.subscriber != nil && sb.subscriber.ClientID() == sub.ClientID() {
		sb.subscriber = nil
	}
}

// PublishRecord delivers rec as a session_message to sessionID's subscriber,
// if any, and appends it to the history ring regardless.
func (b *Broker) PublishRecord(sessionID string, rec *record.Record) {
	o := Outbound{
		Type: wire.TypeSessionMessage,
		Payload: wire.SessionMessagePayload{
			Role:       string(rec.Role),
			Content:    rec.Content,
			ParentID:   rec.ParentID,
			Historical: rec.Historical,
		},
	}

	sb := b.sessionFor(sessionID)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.appendHistory(o)
	if sb.subscriber != nil {
		deliver(sb.subscriber, o)
	}
}

// PublishState delivers a session_state update to sessionID's subscriber.
func (b *Broker) PublishState(sessionID string, state wire.SessionState, lastActivity time.Time) {
	o := Outbound{
		Type: wire.TypeSessionState,
		Payload: wire.SessionStatePayload{
			State:        state,
			LastActivity: lastActivity.Format(time.RFC3339),
		},
	}
	sb := b.sessionFor(sessionID)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.subscriber != nil {
		deliver(sb.subscriber, o)
	}
}

// PublishTerminated notifies sessionID's subscriber (if any) that the
// session ended, then clears the subscription — a terminated session can
// never be subscribed to again under the same id.
func (b *Broker) PublishTerminated(sessionID, reason string) {
	sb := b.sessionFor(sessionID)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.subscriber != nil {
		deliver(sb.subscriber, Outbound{
			Type:    wire.TypeSessionTerminated,
			Payload: wire.SessionTerminatedPayload{Reason: reason},
		})
		sb.subscriber = nil
	}
}

// BroadcastAll delivers an event to every connected, authenticated client —
// used for session_notification announcements.
func (b *Broker) BroadcastAll(o Outbound) {
	b.allMu.Lock()
	defer b.allMu.Unlock()
	for _, sub := range b.all {
		deliver(sub, o)
	}
}

// deliverTimeout bounds how long deliver waits on a subscriber's mailbox.
// The connection manager guarantees its mailbox is drained to completion
// from the moment a client starts closing until its subscription is
// released (see connmgr.Client.run), so this is a last-resort escape
// against a subscriber that never reaches that teardown path at all —
// not the primary mechanism for keeping the session lock unstuck.
const deliverTimeout = 5 * time.Second

// deliver sends to the subscriber's mailbox, but never blocks longer than
// deliverTimeout, since deliver always runs with the session's sb.mu held
// and a wedged send here would deadlock every other Subscribe/Unsubscribe/
// Publish* call for that session. When the timeout fires, the subscriber is
// closed as a slow consumer, so it never sees a stream with a gap in it.
func deliver(sub Subscriber, o Outbound) {
	select {
	case sub.Mailbox() <- o:
	case <-time.After(deliverTimeout):
		sub.Close(wire.CloseNormal, wire.ReasonSlowConsumer)
	}
}
