package connmgr

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/sessiontap/sessiontap/internal/authsvc"
	"github.com/sessiontap/sessiontap/internal/broker"
	"github.com/sessiontap/sessiontap/internal/logger"
)

// Manager accepts bidirectional-channel upgrades and owns the registry of
// live clients needed to act on credential revocation.
type Manager struct {
	cfg  Config
	auth *authsvc.Service
	brk  *broker.Broker

	mu     sync.Mutex
	byCred map[string]*Client
}

// New creates a Manager and starts its revocation watcher on ctx.
func New(ctx context.Context, cfg Config, auth *authsvc.Service, brk *broker.Broker) *Manager {
	m := &Manager{cfg: cfg, auth: auth, brk: brk, byCred: make(map[string]*Client)}
	go m.watchRevocations(ctx)
	return m
}

func (m *Manager) watchRevocations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.auth.Revoked():
			m.mu.Lock()
			cl, ok := m.byCred[ev.CredID]
			m.mu.Unlock()
			if ok {
				cl.OnRevoked(ctx)
			}
		}
	}
}

// ServeHTTP upgrades the request to a bidirectional channel and runs the
// client's lifecycle until it disconnects.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Warn("connmgr: accept failed", "err", err)
		return
	}

	onOpen := func(c *Client) {
		if credID := c.CredID(); credID != "" {
			m.mu.Lock()
			m.byCred[credID] = c
			m.mu.Unlock()
		}
	}

	c := newClient(conn, m.cfg, m.auth, m.brk, onOpen)
	defer func() {
		if credID := c.CredID(); credID != "" {
			m.mu.Lock()
			if m.byCred[credID] == c {
				delete(m.byCred, credID)
			}
			m.mu.Unlock()
		}
	}()

	c.run(r.Context(), preAuthKey(r))
}

// preAuthKey extracts the device credential key from a bearer header or
// query parameter, if present — the first-message field is handled inside
// Client.run.
func preAuthKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("key")
}
