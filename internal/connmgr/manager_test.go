package connmgr

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sessiontap/sessiontap/internal/authsvc"
	"github.com/sessiontap/sessiontap/internal/broker"
	"github.com/sessiontap/sessiontap/internal/registry"
	"github.com/sessiontap/sessiontap/internal/wire"
)

func testServer(t *testing.T) (*httptest.Server, *authsvc.Service, *registry.Registry) {
	t.Helper()
	key, err := authsvc.GenerateECKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth := authsvc.New(key, 30*time.Second, time.Hour)
	reg := registry.New(8)
	brk := broker.New(reg, 10)

	mgr := New(context.Background(), DefaultConfig(), auth, brk)
	srv := httptest.NewServer(mgr)
	t.Cleanup(srv.Close)
	return srv, auth, reg
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func writeEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, typ wire.Type, payload any) {
	t.Helper()
	env, err := wire.Encode(typ, payload, time.Now())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConnectAuthenticateSubscribeUnknownSession(t *testing.T) {
	srv, auth, _ := testServer(t)
	et, err := auth.IssueEnrollment()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	cred, err := auth.RedeemEnrollment(et.Token, "D1")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, srv)

	connected := readEnvelope(t, ctx, conn)
	if connected.Type != wire.TypeConnected {
		t.Fatalf("expected connected, got %v", connected.Type)
	}

	writeEnvelope(t, ctx, conn, wire.TypeAuthenticate, wire.AuthenticatePayload{Key: cred.Key, DeviceID: "D1"})
	authed := readEnvelope(t, ctx, conn)
	if authed.Type != wire.TypeAuthenticated {
		t.Fatalf("expected authenticated, got %v", authed.Type)
	}

	writeEnvelope(t, ctx, conn, wire.TypeSubscribe, wire.SubscribePayload{SessionID: "nope"})
	errEnv := readEnvelope(t, ctx, conn)
	if errEnv.Type != wire.TypeError {
		t.Fatalf("expected error for unknown session, got %v", errEnv.Type)
	}
}

func TestAuthenticateFailureCloses(t *testing.T) {
	srv, _, _ := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, srv)

	_ = readEnvelope(t, ctx, conn) // connected

	writeEnvelope(t, ctx, conn, wire.TypeAuthenticate, wire.AuthenticatePayload{Key: "garbage"})
	failed := readEnvelope(t, ctx, conn)
	if failed.Type != wire.TypeAuthenticationFailed {
		t.Fatalf("expected authentication_failed, got %v", failed.Type)
	}
}

func TestSubscribeHappyPath(t *testing.T) {
	srv, auth, reg := testServer(t)
	reg.Upsert(registry.Descriptor{SessionID: "S1", Status: registry.StatusDiscovered})

	et, _ := auth.IssueEnrollment()
	cred, err := auth.RedeemEnrollment(et.Token, "D1")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, srv)
	_ = readEnvelope(t, ctx, conn)

	writeEnvelope(t, ctx, conn, wire.TypeAuthenticate, wire.AuthenticatePayload{Key: cred.Key})
	_ = readEnvelope(t, ctx, conn)

	writeEnvelope(t, ctx, conn, wire.TypeSubscribe, wire.SubscribePayload{SessionID: "S1"})
	subscribed := readEnvelope(t, ctx, conn)
	if subscribed.Type != wire.TypeSubscribed {
		t.Fatalf("expected subscribed, got %v", subscribed.Type)
	}

	histStart := readEnvelope(t, ctx, conn)
	histEnd := readEnvelope(t, ctx, conn)
	if histStart.Type != wire.TypeSessionHistoryStart || histEnd.Type != wire.TypeSessionHistoryEnd {
		t.Fatalf("expected empty history prelude, got %v %v", histStart.Type, histEnd.Type)
	}
}
