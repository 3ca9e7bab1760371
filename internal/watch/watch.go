// Package watch implements the Directory Watcher (C3): recursive discovery
// of session log files under a root, spawning/retiring File Tailers, with
// both an event-driven (fsnotify) and a polling backend.
//
// fsnotify is present in the teacher's go.mod but never imported anywhere in
// its copied tree; this package is its first real use in this codebase.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sessiontap/sessiontap/internal/logger"
	"github.com/sessiontap/sessiontap/internal/record"
	"github.com/sessiontap/sessiontap/internal/registry"
	"github.com/sessiontap/sessiontap/internal/tail"
)

// Sink receives the downstream effects of tailed records: C4/C5/C7 wiring.
// Implemented by the composition root (internal/server).
type Sink interface {
	OnRecord(sessionID string, rec *record.Record)
	OnTerminated(sessionID string)
}

// Config controls the watcher's behavior.
type Config struct {
	Root         string
	UsePolling   bool
	PollInterval time.Duration
	MailboxSize  int
}

const defaultMailboxSize = 1024

// Watcher discovers *.jsonl files under Root and tails each one.
type Watcher struct {
	cfg Config
	reg *registry.Registry
	snk Sink

	mu      sync.Mutex
	tailers map[string]*handle
}

type handle struct {
	cancel context.CancelFunc
	wake   chan struct{}
}

// New creates a Watcher. reg receives SessionDescriptor upserts; sink
// receives parsed records and termination signals.
func New(cfg Config, reg *registry.Registry, sink Sink) *Watcher {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = tail.DefaultPollInterval
	}
	return &Watcher{cfg: cfg, reg: reg, snk: sink, tailers: make(map[string]*handle)}
}

// Run blocks until ctx is canceled, discovering and tailing session files.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.scanExisting(ctx); err != nil {
		return err
	}
	if w.cfg.UsePolling {
		return w.runPolling(ctx)
	}
	return w.runNotify(ctx)
}

func (w *Watcher) scanExisting(ctx context.Context) error {
	return filepath.WalkDir(w.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Root may not exist yet; treat as empty tree rather than fatal.
			// A missing root is not reported anywhere else: /health does not
			// reflect it.
			return nil
		}
		if d.IsDir() {
			if isHidden(d.Name()) && path != w.cfg.Root {
				return filepath.SkipDir
			}
			return nil
		}
		if isHidden(d.Name()) {
			return nil
		}
		if isSessionFile(path) {
			w.addFile(ctx, path)
		}
		return nil
	})
}

func (w *Watcher) runPolling(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.reconcile(ctx)
			w.wakeAll()
		}
	}
}

func (w *Watcher) runNotify(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addDirRecursive(fw, w.cfg.Root); err != nil {
		logger.Warn("watch: could not watch root, falling back to polling", "root", w.cfg.Root, "err", err)
		return w.runPolling(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleNotifyEvent(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch: fsnotify error", "err", err)
		}
	}
}

func (w *Watcher) handleNotifyEvent(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if isHidden(base) {
		return
	}

	switch {
	case ev.Op&(fsnotify.Create) != 0:
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = addDirRecursive(fw, ev.Name)
			return
		}
		if isSessionFile(ev.Name) {
			w.addFile(ctx, ev.Name)
		}
	case ev.Op&(fsnotify.Write) != 0:
		if isSessionFile(ev.Name) {
			w.wake(ev.Name)
		}
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if isSessionFile(ev.Name) {
			w.wake(ev.Name)
		}
	}
}

func (w *Watcher) reconcile(ctx context.Context) {
	seen := make(map[string]bool)
	_ = filepath.WalkDir(w.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if isHidden(d.Name()) && path != w.cfg.Root {
				return filepath.SkipDir
			}
			return nil
		}
		if isHidden(d.Name()) || !isSessionFile(path) {
			return nil
		}
		seen[path] = true
		if !w.has(path) {
			w.addFile(ctx, path)
		}
		return nil
	})
}

func (w *Watcher) addFile(ctx context.Context, path string) {
	w.mu.Lock()
	if _, exists := w.tailers[path]; exists {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	sessionID := sessionIDFromPath(path)
	desc := registry.Descriptor{
		SessionID:    sessionID,
		ProjectLabel: projectLabel(w.cfg.Root, path),
		LogPath:      path,
		FirstSeen:    time.Now(),
		LastActivity: time.Now(),
		Status:       registry.StatusDiscovered,
	}
	w.reg.Upsert(desc)

	tr := tail.New(path, w.cfg.MailboxSize)
	tctx, cancel := context.WithCancel(ctx)
	wake := make(chan struct{}, 1)

	w.mu.Lock()
	w.tailers[path] = &handle{cancel: cancel, wake: wake}
	w.mu.Unlock()

	go tr.Run(tctx, wake)
	go w.drain(path, sessionID, tr)
}

func (w *Watcher) drain(path, sessionID string, tr *tail.Tailer) {
	for ev := range tr.Events() {
		switch ev.Kind {
		case tail.EventRecord:
			w.snk.OnRecord(sessionID, ev.Record)
		case tail.EventParseError:
			w.reg.MarkParseError(sessionID)
			logger.Warn("watch: parse error", "session_id", sessionID, "kind", ev.ParseErr.Kind)
		case tail.EventIOError:
			logger.Warn("watch: tailer io error", "session_id", sessionID, "err", ev.Err)
		case tail.EventRotation:
			logger.Info("watch: tailer rotation", "session_id", sessionID)
		case tail.EventTerminated:
			w.snk.OnTerminated(sessionID)
			w.remove(path)
			return
		}
	}
}

func (w *Watcher) has(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.tailers[path]
	return ok
}

func (w *Watcher) remove(path string) {
	w.mu.Lock()
	h, ok := w.tailers[path]
	if ok {
		delete(w.tailers, path)
	}
	w.mu.Unlock()
	if ok {
		h.cancel()
	}
}

func (w *Watcher) wake(path string) {
	w.mu.Lock()
	h, ok := w.tailers[path]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) wakeAll() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.tailers))
	for p := range w.tailers {
		paths = append(paths, p)
	}
	w.mu.Unlock()
	for _, p := range paths {
		w.wake(p)
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func isSessionFile(path string) bool {
	return strings.HasSuffix(path, ".jsonl") && !isHidden(filepath.Base(path))
}

func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// projectLabel is the first path segment beneath root.
func projectLabel(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func addDirRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if isHidden(d.Name()) && path != root {
				return filepath.SkipDir
			}
			return fw.Add(path)
		}
		return nil
	})
}
