package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sessiontap/sessiontap/internal/record"
	"github.com/sessiontap/sessiontap/internal/registry"
)

type fakeSink struct {
	mu          sync.Mutex
	records     []string
	terminated  []string
}

func (f *fakeSink) OnRecord(sessionID string, rec *record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec.Content)
}

func (f *fakeSink) OnTerminated(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
}

func (f *fakeSink) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func TestWatcherDiscoversAndTails(t *testing.T) {
	dir := t.TempDir()
	projDir := filepath.Join(dir, "proj")
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(projDir, "S1.jsonl")
	if err := os.WriteFile(path, []byte(`{"sessionId":"S1","type":"user","message":{"role":"user","content":"hi"},"timestamp":"2025-09-14T15:04:35.357Z"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := registry.New(8)
	sink := &fakeSink{}
	w := New(Config{Root: dir, UsePolling: true, PollInterval: 20 * time.Millisecond}, reg, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	deadline := time.After(2 * time.Second)
	for sink.recordCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for record")
		case <-time.After(10 * time.Millisecond):
		}
	}

	d, ok := reg.Get("S1")
	if !ok {
		t.Fatal("expected session S1 in registry")
	}
	if d.ProjectLabel != "proj" {
		t.Fatalf("unexpected project label: %q", d.ProjectLabel)
	}
}

func TestWatcherIgnoresHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".S1.jsonl")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := registry.New(8)
	sink := &fakeSink{}
	w := New(Config{Root: dir, UsePolling: true, PollInterval: 20 * time.Millisecond}, reg, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if _, ok := reg.Get("S1"); ok {
		t.Fatal("hidden file should not be discovered")
	}
}
