// Package buffer implements a single append-only on-disk batch for one
// generation of a session: a line-delimited JSON file plus the metadata
// (counts, size, timestamp span, offset span) a flush decision needs.
//
// A Buffer is not safe for concurrent use. SessionManager serializes all
// access to a single Buffer — see the package doc of session for the
// mutual-exclusion argument this relies on.
package buffer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coldstore-io/sessionrec/ingestmsg"
	"github.com/coldstore-io/sessionrec/log"
	"github.com/google/uuid"
)

// ErrInvariantViolation is returned when a Buffer is found in a state the
// data model declares impossible (e.g. count > 0 with no oldest timestamp).
// Callers treat this as fatal: the flush attempt aborts and the session
// manager's error-reporting sink is notified.
var ErrInvariantViolation = errors.New("buffer: invariant violation")

// EventsRange is the min/max of per-event payload timestamps across all
// messages appended to a buffer. Nil until the first message carrying at
// least one usable event timestamp is appended.
type EventsRange struct {
	First int64
	Last  int64
}

// Offsets is the min/max source-log offset across all messages appended to
// a buffer. Zero value until Count() > 0.
type Offsets struct {
	Lowest  int64
	Highest int64
}

// Buffer is one generation of a session's on-disk batch.
type Buffer struct {
	id   string
	path string
	file *os.File
	w    *bufio.Writer

	count        int64
	sizeEstimate int64
	createdAtMs  int64

	oldestSourceTs *int64
	newestSourceTs *int64

	offsets    Offsets
	hasOffsets bool

	eventsRange *EventsRange

	// writeErr captures the most recent write failure. The append path
	// never surfaces it directly (per the "writer errors do not interrupt
	// in-progress appends" rule); it is only observed at End(), which
	// mirrors the source's stream-termination error surfacing.
	writeErr error

	ended     bool
	destroyed bool
}

// New creates a fresh buffer: a new id, a file opened for append at
// <dir>/<team>.<session>.<id>.jsonl, and zeroed counters. nowMs is the
// wall-clock creation time in epoch milliseconds (caller-supplied so tests
// can inject a fake clock).
func New(dir, team, session string, nowMs int64) (*Buffer, error) {
	id := uuid.NewString()
	filename := fmt.Sprintf("%s.%s.%s.jsonl", team, session, id)
	path := filepath.Join(dir, filename)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("buffer: create directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("buffer: open %s: %w", path, err)
	}

	return &Buffer{
		id:          id,
		path:        path,
		file:        f,
		w:           bufio.NewWriter(f),
		createdAtMs: nowMs,
	}, nil
}

// ID returns the buffer's opaque unique identifier.
func (b *Buffer) ID() string { return b.id }

// Path returns the on-disk file path for this buffer's generation.
func (b *Buffer) Path() string { return b.path }

// Count returns the number of appended records.
func (b *Buffer) Count() int64 { return b.count }

// SizeEstimate returns the sum of serialized-line bytes written so far
// (uncompressed, including trailing newlines).
func (b *Buffer) SizeEstimate() int64 { return b.sizeEstimate }

// CreatedAtMs returns the wall-clock creation time in epoch milliseconds.
func (b *Buffer) CreatedAtMs() int64 { return b.createdAtMs }

// OldestSourceTs returns the minimum source-log timestamp observed, or nil
// if no message has been appended yet.
func (b *Buffer) OldestSourceTs() *int64 { return b.oldestSourceTs }

// NewestSourceTs returns the maximum source-log timestamp observed, or nil
// if no message has been appended yet.
func (b *Buffer) NewestSourceTs() *int64 { return b.newestSourceTs }

// Offsets returns the observed offset span and whether any message has
// been appended (offsets are undefined, per the data model, until count > 0).
func (b *Buffer) Offsets() (Offsets, bool) { return b.offsets, b.hasOffsets }

// EventsRange returns the observed event-payload timestamp span, or nil if
// no appended message has carried a usable event timestamp.
func (b *Buffer) EventsRange() *EventsRange { return b.eventsRange }

// IsEmpty reports whether the buffer has accepted zero messages.
func (b *Buffer) IsEmpty() bool { return b.count == 0 }

// CheckInvariants validates invariants 1–4 of the data model. A
// violation is always a programming error, never a data condition a
// caller can recover from; it is surfaced as ErrInvariantViolation so the
// flush pipeline can abort cleanly instead of panicking mid-upload.
func (b *Buffer) CheckInvariants() error {
	if b.count > 0 && b.oldestSourceTs == nil {
		return fmt.Errorf("%w: count=%d but oldestSourceTs is nil", ErrInvariantViolation, b.count)
	}
	if b.oldestSourceTs != nil && b.newestSourceTs != nil && *b.oldestSourceTs > *b.newestSourceTs {
		return fmt.Errorf("%w: oldestSourceTs %d > newestSourceTs %d", ErrInvariantViolation, *b.oldestSourceTs, *b.newestSourceTs)
	}
	if b.hasOffsets && b.offsets.Lowest > b.offsets.Highest {
		return fmt.Errorf("%w: offsets.lowest %d > offsets.highest %d", ErrInvariantViolation, b.offsets.Lowest, b.offsets.Highest)
	}
	if b.eventsRange != nil && b.eventsRange.First > b.eventsRange.Last {
		return fmt.Errorf("%w: eventsRange.first %d > eventsRange.last %d", ErrInvariantViolation, b.eventsRange.First, b.eventsRange.Last)
	}
	return nil
}

// Append writes one message to the buffer: updates the source-timestamp
// span, updates the event-payload timestamp span, serializes the payload
// as a single JSON line, and updates the offset span and size estimate.
//
// Append never returns a write failure directly — disk writes are
// buffered and only surfaced at End(), mirroring the source's
// asynchronous writer-error-channel semantics (the next flush discovers a
// bad stream at stream-termination, not mid-append). logger receives the
// diagnostics the data model calls for on degraded paths.
func (b *Buffer) Append(m *ingestmsg.Message, logger *log.Logger) {
	ts := m.Metadata.Timestamp
	if b.oldestSourceTs == nil || ts < *b.oldestSourceTs {
		v := ts
		b.oldestSourceTs = &v
	}
	if b.newestSourceTs == nil || ts > *b.newestSourceTs {
		v := ts
		b.newestSourceTs = &v
	}

	b.updateEventsRange(m, logger)

	persisted := ingestmsg.ConvertToPersistedMessage(m)
	line, err := json.Marshal(persisted)
	if err != nil {
		b.writeErr = fmt.Errorf("buffer: marshal message: %w", err)
		if logger != nil {
			logger.Error("failed to marshal message for buffer", map[string]any{"buffer_id": b.id, "error": err.Error()})
		}
		return
	}
	line = append(line, '\n')

	n, err := b.w.Write(line)
	if err != nil {
		b.writeErr = fmt.Errorf("buffer: write: %w", err)
		if logger != nil {
			logger.Error("buffer write failed", map[string]any{"buffer_id": b.id, "error": err.Error()})
		}
	}

	b.count++
	b.sizeEstimate += int64(n)

	if !b.hasOffsets || m.Metadata.Offset < b.offsets.Lowest {
		b.offsets.Lowest = m.Metadata.Offset
	}
	if !b.hasOffsets || m.Metadata.Offset > b.offsets.Highest {
		b.offsets.Highest = m.Metadata.Offset
	}
	b.hasOffsets = true
}

// updateEventsRange applies the data model's §4.A step 2 algorithm,
// including the documented degraded-max behavior: a missing/zero "last"
// timestamp falls back to the "first" timestamp rather than being
// skipped, reproducing the source's `end || start` quirk. A missing
// "first" timestamp skips the update entirely, since there is nothing
// sensible to fall back to.
func (b *Buffer) updateEventsRange(m *ingestmsg.Message, logger *log.Logger) {
	s := ingestmsg.FirstEventTimestamp(m)
	e := ingestmsg.LastEventTimestamp(m)

	if s == 0 {
		if len(m.Events) > 0 && logger != nil {
			logger.Warn("message has events but missing/zero first event timestamp; skipping eventsRange update", map[string]any{"buffer_id": b.id})
		}
		return
	}

	last := e
	if last == 0 {
		if logger != nil {
			logger.Warn("message missing/zero last event timestamp; falling back to first timestamp (known degraded-max behavior)", map[string]any{"buffer_id": b.id})
		}
		last = s
	}

	if b.eventsRange == nil {
		b.eventsRange = &EventsRange{First: s, Last: last}
		return
	}
	if s < b.eventsRange.First {
		b.eventsRange.First = s
	}
	if last > b.eventsRange.Last {
		b.eventsRange.Last = last
	}
}

// ReadAll returns the buffer file's full on-disk contents. Used by the
// realtime activator to bootstrap a subscriber with everything appended
// so far. Does not flush pending writer-buffered bytes first; callers
// that need a complete view should call End() first (as the flush
// pipeline does) or tolerate a partial read (as realtime bootstrap does,
// since it is explicitly best-effort).
func (b *Buffer) ReadAll() ([]byte, error) {
	return os.ReadFile(b.path)
}

// End flushes the writer's buffered bytes and closes the file descriptor.
// Returns any error observed either during this call or captured earlier
// by Append — this is the stream-termination point at which writer
// errors are finally surfaced, per the data model.
func (b *Buffer) End() error {
	if b.ended {
		return b.writeErr
	}
	b.ended = true

	if err := b.w.Flush(); err != nil && b.writeErr == nil {
		b.writeErr = fmt.Errorf("buffer: flush: %w", err)
	}
	if err := b.file.Close(); err != nil && b.writeErr == nil {
		b.writeErr = fmt.Errorf("buffer: close: %w", err)
	}
	return b.writeErr
}

// Destroy ends the buffer (if not already ended) and removes its file
// from disk. A missing file is not an error, per the data model's
// "missing file at destroy" disposition.
func (b *Buffer) Destroy() error {
	if b.destroyed {
		return nil
	}
	b.destroyed = true

	_ = b.End()

	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("buffer: remove %s: %w", b.path, err)
	}
	return nil
}
