// Package tail implements the per-file byte-offset tailer (C2): historical
// read on start, live follow on notification or poll tick, truncation
// detection, and backoff retry on transient I/O error.
//
// Grounded on internal/session/events.go's EventLog (append-only
// file opened for read, bufio.Scanner-based tolerant line reading) from the
// wider example pack (codespacesh-codewire, not the teacher — see
// DESIGN.md), and internal/ws/backoff.go for the retry delay shape.
package tail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/sessiontap/sessiontap/internal/record"
)

// EventKind discriminates a TailEvent.
type EventKind string

const (
	EventRecord     EventKind = "record"
	EventRotation   EventKind = "rotation"
	EventIOError    EventKind = "io_error"
	EventParseError EventKind = "parse_error"
	EventTerminated EventKind = "terminated"
)

// Event is one item of the tailer's output sequence:
// Record(historical?) | Rotation | IoError | ParseError | Terminated.
type Event struct {
	Kind       EventKind
	Record     *record.Record
	ParseErr   *record.ParseError
	Historical bool
	Err        error
}

const (
	// DefaultBackoffBase is the initial retry delay on transient I/O error.
	DefaultBackoffBase = 100 * time.Millisecond
	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 5 * time.Second
	// DefaultPollInterval is the polling interval the watcher uses when
	// polling and no interval is configured; shorter intervals are accepted.
	DefaultPollInterval = 1 * time.Second
)

// Tailer follows a single log file.
type Tailer struct {
	Path string
	// PollInterval, if nonzero, makes the tailer self-drive its own ticker
	// in addition to external wake signals. Zero means purely wake-driven
	// (the caller — typically the Directory Watcher's fsnotify dispatch —
	// sends on the wake channel passed to Run).
	PollInterval time.Duration

	out chan Event

	offset       int64
	lastSize     int64
	lastActivity time.Time
	partial      []byte

	backoff *Backoff
}

// New creates a Tailer for path, emitting events on a mailbox of size
// mailboxSize. Per the spec's backpressure rule, sends to this mailbox block
// when full — they are never dropped, to preserve ordering.
func New(path string, mailboxSize int) *Tailer {
	return &Tailer{
		Path:    path,
		out:     make(chan Event, mailboxSize),
		backoff: NewBackoff(DefaultBackoffBase, DefaultBackoffMax),
	}
}

// Events returns the tailer's output channel.
func (t *Tailer) Events() <-chan Event {
	return t.out
}

// Run performs the initial historical read, then follows the file until ctx
// is canceled or the file is removed. wake is an externally driven
// "something may have changed" signal (e.g. an fsnotify Write event); Run
// also polls every PollInterval if nonzero.
func (t *Tailer) Run(ctx context.Context, wake <-chan struct{}) {
	defer close(t.out)

	if err := t.readInitial(ctx); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.send(ctx, Event{Kind: EventTerminated})
			return
		}
		t.send(ctx, Event{Kind: EventIOError, Err: err})
	}

	var ticker *time.Ticker
	var tickC <-chan time.Time
	if t.PollInterval > 0 {
		ticker = time.NewTicker(t.PollInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-tickC:
		}

		if err := t.poll(ctx); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				t.send(ctx, Event{Kind: EventTerminated})
				return
			}
			t.send(ctx, Event{Kind: EventIOError, Err: err})
			delay := t.backoff.Next()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		t.backoff.Reset()
	}
}

func (t *Tailer) readInitial(ctx context.Context) error {
	f, err := os.Open(t.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	t.lastActivity = time.Now()

	if err := t.consume(ctx, f, true); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	// offset was advanced by consume to exactly the bytes consumed as
	// complete lines; any trailing partial line remains unconsumed.
	t.lastSize = t.offset + int64(len(t.partial))
	return nil
}

// poll stats the file and reacts to truncation, growth, or no-op.
func (t *Tailer) poll(ctx context.Context) error {
	info, err := os.Stat(t.Path)
	if err != nil {
		return err
	}
	size := info.Size()

	if size < t.offset {
		t.send(ctx, Event{Kind: EventRotation})
		t.offset = 0
		t.partial = nil
	}
	if size == t.offset {
		t.lastSize = size
		return nil
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	// The buffered partial line already holds the bytes just past offset;
	// read on from after them so they are not read twice.
	if _, err := f.Seek(t.offset+int64(len(t.partial)), io.SeekStart); err != nil {
		return err
	}
	if err := t.consume(ctx, f, false); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	t.lastSize = size
	t.lastActivity = time.Now()
	return nil
}

// consume reads all available bytes from r, emitting one event per complete
// line and buffering any trailing partial line in t.partial across calls.
// It advances t.offset by exactly the number of bytes consumed as complete
// lines (never counting a buffered partial line as consumed).
func (t *Tailer) consume(ctx context.Context, r io.Reader, historical bool) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(t.partial) > 0 {
		buf = append(t.partial, buf...)
		t.partial = nil
	}

	consumed := 0
	rest := buf
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		line := rest[:idx]
		rest = rest[idx+1:]
		consumed += idx + 1

		rec, perr, ok := record.Parse(line)
		switch {
		case ok:
			rec.Historical = historical
			t.send(ctx, Event{Kind: EventRecord, Record: rec, Historical: historical})
		case perr != nil:
			t.send(ctx, Event{Kind: EventParseError, ParseErr: perr})
		}
	}
	t.partial = append([]byte(nil), rest...)
	t.offset += int64(consumed)
	return nil
}

func (t *Tailer) send(ctx context.Context, e Event) {
	select {
	case t.out <- e:
	case <-ctx.Done():
	}
}
