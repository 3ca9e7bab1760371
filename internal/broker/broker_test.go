package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/sessiontap/sessiontap/internal/record"
	"github.com/sessiontap/sessiontap/internal/registry"
	"github.com/sessiontap/sessiontap/internal/wire"
)

type fakeSub struct {
	id, device string
	mbox       chan Outbound

	mu          sync.Mutex
	closed      bool
	closeCode   wire.CloseCode
	closeReason string
}

func newFakeSub(id, device string) *fakeSub {
	return &fakeSub{id: id, device: device, mbox: make(chan Outbound, 32)}
}

func (f *fakeSub) ClientID() string        { return f.id }
func (f *fakeSub) DeviceID() string        { return f.device }
func (f *fakeSub) Mailbox() chan<- Outbound { return f.mbox }

func (f *fakeSub) Close(code wire.CloseCode, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
}

func (f *fakeSub) wasClosed() (bool, wire.CloseCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode, f.closeReason
}

func newTestBroker() (*Broker, *registry.Registry) {
	reg := registry.New(8)
	reg.Upsert(registry.Descriptor{SessionID: "S1", Status: registry.StatusDiscovered})
	return New(reg, 10), reg
}

func TestSubscribeUnknownSession(t *testing.T) {
	b, _ := newTestBroker()
	a := newFakeSub("A", "devA")
	res := b.Subscribe(a, "nope", false)
	if res.Kind != ResultNoSuchSession {
		t.Fatalf("expected no_such_session, got %v", res.Kind)
	}
}

func TestSubscribeHistoryPrelude(t *testing.T) {
	b, _ := newTestBroker()
	a := newFakeSub("A", "devA")
	res := b.Subscribe(a, "S1", false)
	if res.Kind != ResultSubscribed {
		t.Fatalf("expected subscribed, got %v", res.Kind)
	}

	start := <-a.mbox
	end := <-a.mbox
	if start.Type != wire.TypeSessionHistoryStart || end.Type != wire.TypeSessionHistoryEnd {
		t.Fatalf("expected empty bracketed prelude, got %v %v", start.Type, end.Type)
	}

	b.PublishRecord("S1", &record.Record{SessionID: "S1", Role: record.RoleUser, Content: "hi"})
	msg := <-a.mbox
	if msg.Type != wire.TypeSessionMessage {
		t.Fatalf("expected session_message, got %v", msg.Type)
	}
}

func TestTakeoverScenario(t *testing.T) {
	b, _ := newTestBroker()
	a := newFakeSub("A", "devA")
	bb := newFakeSub("B", "devB")

	res := b.Subscribe(a, "S1", false)
	if res.Kind != ResultSubscribed {
		t.Fatalf("A expected subscribed, got %v", res.Kind)
	}
	<-a.mbox // history_start
	<-a.mbox // history_end

	res = b.Subscribe(bb, "S1", false)
	if res.Kind != ResultOccupied || res.ExistingDevice != "devA" {
		t.Fatalf("B expected occupied(devA), got %+v", res)
	}

	res = b.Subscribe(bb, "S1", true)
	if res.Kind != ResultSubscribed {
		t.Fatalf("B expected subscribed on takeover, got %v", res.Kind)
	}

	takenOver := <-a.mbox
	if takenOver.Type != wire.TypeSessionTakenOver {
		t.Fatalf("expected session_taken_over for A, got %v", takenOver.Type)
	}
	payload := takenOver.Payload.(wire.SessionTakenOverPayload)
	if payload.NewDevice != "devB" {
		t.Fatalf("unexpected new device: %+v", payload)
	}

	if closed, code, reason := a.wasClosed(); !closed || code != wire.CloseTakeover || reason != wire.ReasonTakeover {
		t.Fatalf("expected A closed with (%v, %q), got closed=%v code=%v reason=%q", wire.CloseTakeover, wire.ReasonTakeover, closed, code, reason)
	}

	<-bb.mbox // history_start
	<-bb.mbox // history_end

	b.PublishRecord("S1", &record.Record{SessionID: "S1", Role: record.RoleAssistant, Content: "pong"})
	select {
	case m := <-bb.mbox:
		if m.Type != wire.TypeSessionMessage {
			t.Fatalf("expected session_message for B, got %v", m.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("B never received the live event after takeover")
	}

	select {
	case m := <-a.mbox:
		t.Fatalf("A should not receive post-takeover events, got %v", m.Type)
	case <-time.After(20 * time.Millisecond):
	}
}
