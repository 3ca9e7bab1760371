package wire

import (
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	env, err := Encode(TypeSubscribe, SubscribePayload{SessionID: "S1", Force: true}, now)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if env.Type != TypeSubscribe {
		t.Fatalf("unexpected type: %v", env.Type)
	}

	var got SubscribePayload
	if err := env.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "S1" || !got.Force {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestEncodeNilPayload(t *testing.T) {
	env, err := Encode(TypePing, nil, time.Now())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(env.Payload) != 0 {
		t.Fatalf("expected empty payload, got %s", env.Payload)
	}
}
