// Package connmgr implements the Connection Manager (C8): per-client
// lifecycle over the bidirectional channel — handshake, auth, subscribe/
// unsubscribe, heartbeat, and history-prelude relay.
//
// Grounded on the teacher's internal/ws/client.go (reconnect/heartbeat loop,
// Envelope-typed dispatch — mirrored here server-side) and
// internal/relay/pty_relay.go's handlePTYWS (accept, authenticate, read-loop
// dispatch over env.Type).
package connmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sessiontap/sessiontap/internal/authsvc"
	"github.com/sessiontap/sessiontap/internal/broker"
	"github.com/sessiontap/sessiontap/internal/wire"
)

type state int32

const (
	stateAccepted state = iota
	stateAuthenticated
	stateClosed
)

// Config controls per-client timeouts, matching spec.md §5.
type Config struct {
	AuthDeadline     time.Duration
	PingInterval     time.Duration
	IdleCutoff       time.Duration
	SlowClientCutoff time.Duration
	MailboxSize      int
	MaxFrameBytes    int64
}

// DefaultConfig matches the spec's defaults.
func DefaultConfig() Config {
	return Config{
		AuthDeadline:     30 * time.Second,
		PingInterval:     30 * time.Second,
		IdleCutoff:       60 * time.Second,
		SlowClientCutoff: 15 * time.Second,
		MailboxSize:      1024,
		MaxFrameBytes:    1 << 20,
	}
}

// Client is one accepted bidirectional-channel connection.
type Client struct {
	id   string
	conn *websocket.Conn
	cfg  Config

	auth   *authsvc.Service
	brk    *broker.Broker
	onOpen func(*Client) // called once authenticated, for roster registration

	state    atomic.Int32
	deviceID atomic.Value // string
	credID   atomic.Value // string

	mu              sync.Mutex
	subscribedTo    string
	lastActivity    time.Time
	protocolOffense []time.Time

	mailbox chan broker.Outbound

	lastDrain atomic.Int64 // unix nanos, updated by the writer on every successful write
}

// newClient wires a Client around an already-accepted websocket connection.
func newClient(conn *websocket.Conn, cfg Config, auth *authsvc.Service, brk *broker.Broker, onOpen func(*Client)) *Client {
	c := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		cfg:     cfg,
		auth:    auth,
		brk:     brk,
		onOpen:  onOpen,
		mailbox: make(chan broker.Outbound, cfg.MailboxSize),
	}
	c.deviceID.Store("")
	c.credID.Store("")
	c.lastActivity = time.Now()
	c.lastDrain.Store(time.Now().UnixNano())
	return c
}

// ClientID implements broker.Subscriber.
func (c *Client) ClientID() string { return c.id }

// DeviceID implements broker.Subscriber.
func (c *Client) DeviceID() string {
	v, _ := c.deviceID.Load().(string)
	return v
}

// Mailbox implements broker.Subscriber.
func (c *Client) Mailbox() chan<- broker.Outbound { return c.mailbox }

// CredID returns the credential id backing this client's authentication, or
// "" if not yet authenticated.
func (c *Client) CredID() string {
	v, _ := c.credID.Load().(string)
	return v
}

// Close implements broker.Subscriber: it's called from the broker's own
// goroutine, not from any of this client's own loops — by the takeover
// path in Subscribe, to terminate a displaced client's connection after
// its session_taken_over notification has been queued, and by deliver when
// this client's mailbox stays full past the broker's delivery timeout.
func (c *Client) Close(code wire.CloseCode, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.closeWith(ctx, code, reason)
}

// run drives the client's lifecycle until the connection closes or ctx is
// canceled. It never returns until the client is fully torn down. preAuthKey
// is non-empty when the key arrived as a bearer header or query parameter
// at upgrade time (spec §6: all three of bearer/first-message/query are
// accepted) — it's applied as though an immediate authenticate{} had been
// received.
func (c *Client) run(ctx context.Context, preAuthKey string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.CloseNow()

	c.send(ctx, wire.TypeConnected, wire.ConnectedPayload{
		ClientID:   c.id,
		ServerTime: time.Now().UTC().Format(time.RFC3339),
	})

	if preAuthKey != "" {
		env, _ := wire.Encode(wire.TypeAuthenticate, wire.AuthenticatePayload{Key: preAuthKey}, time.Now())
		if c.dispatch(ctx, env) {
			cancel()
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.writeLoop(ctx) }()
	go func() { defer wg.Done(); c.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); c.authDeadlineLoop(ctx, cancel) }()

	c.readLoop(ctx, cancel)
	cancel()
	wg.Wait()

	// writeLoop has stopped reading c.mailbox, but broker.deliver may still
	// be blocked mid-send (or race a new send) against it while holding the
	// session's lock — the very lock Unsubscribe/UnregisterClient below need
	// to acquire to release this client's subscription. Keep draining until
	// both calls return: by then no sessionBroker or the broadcast roster
	// can still reference this client, so no further send will ever arrive.
	stopDrain := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-c.mailbox:
			case <-stopDrain:
				return
			}
		}
	}()

	if c.subscribedTo != "" {
		c.brk.Unsubscribe(c, c.subscribedTo)
	}
	c.brk.UnregisterClient(c)

	close(stopDrain)
	<-drained
}

func (c *Client) readLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if int64(len(data)) > c.cfg.MaxFrameBytes {
			c.closeWith(ctx, wire.CloseServerError, wire.ReasonProtocolError)
			return
		}

		c.touch()

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.protocolError(ctx)
			continue
		}
		if c.dispatch(ctx, &env) {
			return
		}
	}
}

// dispatch handles one client->server envelope. Returns true if the
// connection should be torn down.
func (c *Client) dispatch(ctx context.Context, env *wire.Envelope) bool {
	switch env.Type {
	case wire.TypeAuthenticate:
		return c.handleAuthenticate(ctx, env)
	case wire.TypeSubscribe:
		return c.handleSubscribe(ctx, env)
	case wire.TypeUnsubscribe:
		return c.handleUnsubscribe(ctx, env)
	case wire.TypePing:
		c.send(ctx, wire.TypePong, nil)
		return false
	default:
		c.send(ctx, wire.TypeError, wire.ErrorPayload{Code: wire.ErrCodeUnknownType, Message: "unknown type"})
		return false
	}
}

func (c *Client) handleAuthenticate(ctx context.Context, env *wire.Envelope) bool {
	var p wire.AuthenticatePayload
	if err := env.Decode(&p); err != nil {
		c.protocolError(ctx)
		return false
	}

	cred, err := c.auth.Validate(p.Key)
	if err != nil {
		c.send(ctx, wire.TypeAuthenticationFailed, wire.AuthenticationFailedPayload{Reason: string(authErrKind(err))})
		c.closeWith(ctx, wire.CloseUnauthorized, wire.ReasonUnauthorized)
		return true
	}

	c.deviceID.Store(cred.DeviceID)
	c.credID.Store(cred.CredID)
	c.state.Store(int32(stateAuthenticated))
	c.send(ctx, wire.TypeAuthenticated, wire.AuthenticatedPayload{Success: true})
	if c.onOpen != nil {
		c.onOpen(c)
	}
	c.brk.RegisterClient(c)
	return false
}

func (c *Client) handleSubscribe(ctx context.Context, env *wire.Envelope) bool {
	if state(c.state.Load()) != stateAuthenticated {
		c.send(ctx, wire.TypeError, wire.ErrorPayload{Code: wire.ErrCodeUnauthenticated, Message: "must authenticate first"})
		return false
	}
	var p wire.SubscribePayload
	if err := env.Decode(&p); err != nil {
		c.protocolError(ctx)
		return false
	}

	res := c.brk.Subscribe(c, p.SessionID, p.Force)
	switch res.Kind {
	case broker.ResultSubscribed:
		c.mu.Lock()
		c.subscribedTo = p.SessionID
		c.mu.Unlock()
		c.send(ctx, wire.TypeSubscribed, wire.SubscribedPayload{SessionID: p.SessionID})
	case broker.ResultOccupied:
		c.send(ctx, wire.TypeSessionOccupied, wire.SessionOccupiedPayload{
			ExistingDevice: res.ExistingDevice,
			CanTakeOver:    true,
		})
	case broker.ResultNoSuchSession:
		c.send(ctx, wire.TypeError, wire.ErrorPayload{Code: "no_such_session", Message: "unknown session"})
	}
	return false
}

func (c *Client) handleUnsubscribe(ctx context.Context, env *wire.Envelope) bool {
	c.mu.Lock()
	sessionID := c.subscribedTo
	c.mu.Unlock()
	if sessionID == "" {
		return false
	}
	c.brk.Unsubscribe(c, sessionID)
	c.mu.Lock()
	c.subscribedTo = ""
	c.mu.Unlock()
	c.send(ctx, wire.TypeUnsubscribed, wire.UnsubscribedPayload{SessionID: sessionID})
	return false
}

// writeLoop drains the mailbox and writes each item to the socket for as
// long as the client is alive (the slow-consumer watchdog below is what
// actually terminates a stuck writer). Once ctx is canceled or a write
// fails, run's teardown takes over draining the mailbox — see the
// stopDrain/drained goroutine there — so broker.deliver's blocking send
// can never wedge against this client after writeLoop itself has stopped.
func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-c.mailbox:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.writeEnvelope(wctx, o.Type, o.Payload)
			cancel()
			if err != nil {
				return
			}
			c.lastDrain.Store(time.Now().UnixNano())
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()
	watchdog := time.NewTicker(time.Second)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = c.conn.Ping(pctx)
			cancel()
		case <-watchdog.C:
			c.mu.Lock()
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()
			if idle > c.cfg.IdleCutoff {
				cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				c.closeWith(cctx, wire.CloseNormal, wire.ReasonTimeout)
				cancel()
				return
			}
			if len(c.mailbox) > 0 {
				stuckFor := time.Since(time.Unix(0, c.lastDrain.Load()))
				if stuckFor > c.cfg.SlowClientCutoff {
					cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
					c.closeWith(cctx, wire.CloseNormal, wire.ReasonSlowConsumer)
					cancel()
					return
				}
			}
		}
	}
}

func (c *Client) authDeadlineLoop(ctx context.Context, cancel context.CancelFunc) {
	t := time.NewTimer(c.cfg.AuthDeadline)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
		if state(c.state.Load()) == stateAccepted {
			cctx, ccancel := context.WithTimeout(ctx, 2*time.Second)
			c.closeWith(cctx, wire.CloseUnauthorized, wire.ReasonUnauthorized)
			ccancel()
			cancel()
		}
	}
}

// OnRevoked terminates the client when its credential is revoked.
func (c *Client) OnRevoked(ctx context.Context) {
	c.closeWith(ctx, wire.CloseUnauthorized, wire.ReasonUnauthorized)
}

func (c *Client) protocolError(ctx context.Context) {
	c.mu.Lock()
	now := time.Now()
	c.protocolOffense = append(c.protocolOffense, now)
	cutoff := now.Add(-10 * time.Second)
	kept := c.protocolOffense[:0]
	for _, t := range c.protocolOffense {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.protocolOffense = kept
	offenses := len(c.protocolOffense)
	c.mu.Unlock()

	c.send(ctx, wire.TypeError, wire.ErrorPayload{Code: "malformed_envelope", Message: "malformed envelope"})
	if offenses > 3 {
		c.closeWith(ctx, wire.CloseServerError, wire.ReasonProtocolError)
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) send(ctx context.Context, typ wire.Type, payload any) {
	_ = c.writeEnvelope(ctx, typ, payload)
}

func (c *Client) writeEnvelope(ctx context.Context, typ wire.Type, payload any) error {
	env, err := wire.Encode(typ, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *Client) closeWith(ctx context.Context, code wire.CloseCode, reason string) {
	c.state.Store(int32(stateClosed))
	_ = c.writeEnvelope(ctx, wire.TypeDisconnecting, wire.DisconnectingPayload{Reason: reason})
	_ = c.conn.Close(websocket.StatusCode(code), reason)
}

func authErrKind(err error) string {
	if ae, ok := err.(*authsvc.Error); ok {
		return string(ae.Kind)
	}
	return "unknown"
}

var _ fmt.Stringer = state(0)

func (s state) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateAuthenticated:
		return "authenticated"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
