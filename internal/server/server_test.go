package server

import (
	"context"
	"testing"
	"time"

	"github.com/sessiontap/sessiontap/internal/authsvc"
	"github.com/sessiontap/sessiontap/internal/config"
)

func TestRunStopsOnContextCancel(t *testing.T) {
	key, err := authsvc.GenerateECKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	cfg := config.Default()
	cfg.RootDir = t.TempDir()
	cfg.HTTPPort = 0 // OS-assigned; Run only needs to bind and then shut down cleanly

	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, cfg, key)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Give the listener a moment to come up before tearing it down.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(ShutdownGrace + 2*time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestNewWiresSubsystems(t *testing.T) {
	key, err := authsvc.GenerateECKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := config.Default()
	cfg.RootDir = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, cfg, key)

	if s.Watcher == nil || s.ConnMgr == nil || s.API == nil {
		t.Fatal("New did not wire all subsystems")
	}
}
