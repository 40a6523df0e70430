package session

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/coldstore-io/sessionrec/buffer"
	"github.com/coldstore-io/sessionrec/iox"
	"github.com/coldstore-io/sessionrec/metrics"
	"github.com/coldstore-io/sessionrec/store"
)

// Flush initiates the guarded upload pipeline for the current active
// buffer (§4.C). At most one flush runs at a time per manager; a
// concurrent call while one is already in progress is a silent no-op (§8
// scenario 4, §7 "flush already running").
//
// Flush performs step 1 (arm hard deadline) and step 2 (swap) synchronously
// before returning, matching the source's cooperative-scheduler guarantee
// that the swap is visible to the caller before flush's first await (§5,
// §9 "coroutine -> task discipline"). Steps 3-10 run in a background
// goroutine so Add is never blocked by an in-progress flush.
func (m *Manager) Flush(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.flushing != nil || m.destroying {
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.Debug("flush skipped: already in progress or destroying", map[string]any{"reason": reason})
		}
		return
	}

	// Step 1: arm the hard deadline. Cleared on every exit path by the
	// background goroutine below.
	hardCtx, hardCancel := context.WithTimeout(ctx, m.cfg.HardFlushTimeout)

	// Step 2: swap. From this point new appends land in a fresh buffer.
	flushing := m.active
	nowMs := m.clock.Now().UnixMilli()
	newActive, err := buffer.New(m.cfg.LocalDirectory, m.identity.Team, m.identity.Session, nowMs)
	if err != nil {
		// Cannot even create the replacement buffer: leave the old one as
		// active rather than lose it, and abort this flush attempt.
		m.mu.Unlock()
		hardCancel()
		if m.logger != nil {
			m.logger.Error("failed to create replacement buffer; flush aborted", map[string]any{"error": err.Error()})
		}
		return
	}
	m.flushing = flushing
	m.active = newActive
	m.mu.Unlock()

	start := time.Now()

	ageSeconds := 0.0
	if oldest := flushing.OldestSourceTs(); oldest != nil {
		ageSeconds = float64(nowMs-*oldest) / 1000
	}
	metrics.RecordFlushAttempt(ageSeconds, float64(flushing.SizeEstimate())/1024, flushing.Count())

	go func() {
		defer func() {
			hardCancel()
			metrics.RecordFlushDuration(time.Since(start).Seconds())
			m.endFlush(flushing)
		}()

		done := make(chan struct{})
		go func() {
			defer close(done)
			m.runFlushPipeline(hardCtx, flushing, reason)
		}()

		select {
		case <-done:
		case <-hardCtx.Done():
			// Hard timeout expired. Does not cancel the in-flight upload
			// (§5) — it runs to completion or error and its result is
			// ignored. endFlush still runs via the defer above.
			if m.logger != nil {
				m.logger.Error("flush hard timeout exceeded", map[string]any{"reason": reason, "buffer_id": flushing.ID()})
			}
			metrics.RecordFlushFailure()
		}
	}()
}

// runFlushPipeline performs steps 3-9 of §4.C. It never returns an error to
// the caller: every failure path logs, records metrics, and returns,
// leaving endFlush (run by the caller's defer) to report offsets
// regardless of outcome (§7 "offsets are still advanced").
func (m *Manager) runFlushPipeline(hardCtx context.Context, flushing *buffer.Buffer, reason string) {
	// Step 3: the empty-buffer / missing-eventsRange guard intentionally
	// runs after the swap, reproducing the source's bug of discarding a
	// buffer post-swap rather than checking before it (§9 open question).
	if flushing.Count() == 0 || flushing.EventsRange() == nil {
		if m.logger != nil {
			m.logger.Error("invariant violation: flush attempted on empty or rangeless buffer", map[string]any{
				"buffer_id": flushing.ID(),
				"count":     flushing.Count(),
			})
		}
		return
	}

	if err := flushing.CheckInvariants(); err != nil {
		if m.logger != nil {
			m.logger.Error("invariant violation detected before flush", map[string]any{"error": err.Error()})
		}
		return
	}

	// Step 4: derive the object key from the event-payload timestamp range.
	evRange := flushing.EventsRange()
	key := fmt.Sprintf("%s/team_id/%s/session_id/%s/data/%d-%d",
		m.cfg.RemoteFolder, m.identity.Team, m.identity.Session, evRange.First, evRange.Last)

	// Step 5: end the writer, soft-timeout guarded (observability only).
	endDone := make(chan error, 1)
	go func() { endDone <- flushing.End() }()

	softTimer := time.NewTimer(SoftTimeoutWarning)
	select {
	case err := <-endDone:
		softTimer.Stop()
		if err != nil {
			if m.logger != nil {
				m.logger.Error("buffer end() failed; flush aborted", map[string]any{"buffer_id": flushing.ID(), "error": err.Error()})
			}
			metrics.RecordFlushFailure()
			return
		}
	case <-softTimer.C:
		if m.logger != nil {
			m.logger.Warn("buffer end() exceeded soft timeout", map[string]any{"buffer_id": flushing.ID()})
		}
		if err := <-endDone; err != nil {
			if m.logger != nil {
				m.logger.Error("buffer end() failed; flush aborted", map[string]any{"buffer_id": flushing.ID(), "error": err.Error()})
			}
			metrics.RecordFlushFailure()
			return
		}
	}

	// Step 6: open a read stream, pipe it through gzip, hand it to the
	// multipart uploader. Retained as inProgressUpload so destroy() can
	// abort it.
	f, err := os.Open(flushing.Path())
	if err != nil {
		if m.logger != nil {
			m.logger.Error("failed to open flushed buffer file for upload", map[string]any{"path": flushing.Path(), "error": err.Error()})
		}
		metrics.RecordFlushFailure()
		return
	}
	defer iox.DiscardClose(f)

	pr, pw := io.Pipe()
	gz := gzip.NewWriter(pw)
	go func() {
		_, copyErr := io.Copy(gz, f)
		closeErr := gz.Close()
		if copyErr != nil {
			pw.CloseWithError(copyErr)
			return
		}
		pw.CloseWithError(closeErr)
	}()

	upload := m.storeClient.StartUpload(hardCtx, key, pr)

	m.mu.Lock()
	m.inProgressUpload = upload
	m.mu.Unlock()

	// Step 7: await completion, soft-timeout guarded for observability.
	uploadSoftTimer := time.NewTimer(SoftTimeoutWarning)
	defer uploadSoftTimer.Stop()

	var uploadErr error
waitUpload:
	for {
		select {
		case <-upload.Done():
			uploadErr = upload.Err()
			break waitUpload
		case <-uploadSoftTimer.C:
			if m.logger != nil {
				m.logger.Warn("upload exceeded soft timeout", map[string]any{"key": key})
			}
		case <-hardCtx.Done():
			// Hard timeout: stop waiting here, but do not abort the
			// upload. runFlushPipeline simply returns; the upload's
			// eventual result is discarded per §5.
			return
		}
	}

	if uploadErr != nil {
		if store.IsAbortError(uploadErr) {
			// Expected during destroy(); silent (§7).
			if m.logger != nil {
				m.logger.Debug("upload aborted", map[string]any{"key": key})
			}
			return
		}
		// Step 9: any other failure — log, capture, increment error
		// counter. Do not retry; offsets still advance via endFlush.
		if m.logger != nil {
			m.logger.Error("upload failed", map[string]any{"key": key, "error": uploadErr.Error(), "reason": reason})
		}
		metrics.RecordFlushFailure()
		return
	}

	// Step 8: success.
	metrics.RecordFlushSuccess(reason, flushing.Count(), float64(flushing.SizeEstimate())/1024)
	if m.logger != nil {
		m.logger.Info("flush succeeded", map[string]any{"key": key, "reason": reason, "count": flushing.Count()})
	}
}

// endFlush runs exactly once per flush attempt (§4.C). It captures the
// flushing buffer's offsets, clears inProgressUpload, disables realtime
// (the flushed file is no longer canonical), destroys the flushing buffer
// asynchronously, clears the flushing slot, and reports offsets to the
// dispatcher — regardless of whether the attempt succeeded, since a
// terminal failure still advances offsets (§7, §9 open question).
func (m *Manager) endFlush(flushing *buffer.Buffer) {
	m.mu.Lock()
	m.inProgressUpload = nil
	m.realtime = false
	m.flushing = nil
	m.mu.Unlock()

	offsets, hasOffsets := flushing.Offsets()
	var low, high int64
	if hasOffsets {
		low, high = offsets.Lowest, offsets.Highest
	}

	go func() {
		if err := flushing.Destroy(); err != nil && m.logger != nil {
			m.logger.Warn("failed to destroy flushed buffer", map[string]any{"buffer_id": flushing.ID(), "error": err.Error()})
		}
	}()

	if m.onFinish != nil {
		m.onFinish(low, high)
	}
}

// GetLowestOffset returns the watermark the dispatcher uses to decide which
// committed offset is safe (§4.E). Deliberately reproduces the source's
// documented bug (§9 open question): it returns nil whenever active is
// empty, even if a flushing buffer still holds unacknowledged offsets.
func (m *Manager) GetLowestOffset() *int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.IsEmpty() {
		if m.flushing != nil && !m.flushing.IsEmpty() && m.logger != nil {
			m.logger.Warn("getLowestOffset returning nil with active empty while flushing buffer holds offsets (known bug, preserved intentionally)", map[string]any{
				"flushing_buffer_id": m.flushing.ID(),
			})
		}
		return nil
	}

	activeOffsets, _ := m.active.Offsets()
	lowest := activeOffsets.Lowest

	if m.flushing != nil {
		if flushingOffsets, has := m.flushing.Offsets(); has && flushingOffsets.Lowest < lowest {
			lowest = flushingOffsets.Lowest
		}
	}

	return &lowest
}

// Destroy is terminal (§4.E): sets destroying, unsubscribes from the
// realtime channel, aborts any in-progress upload (swallowing the expected
// AbortError), and destroys both buffers.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.destroying = true
	unsubscribe := m.unsubscribe
	upload := m.inProgressUpload
	active := m.active
	flushing := m.flushing
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	if upload != nil {
		upload.Abort()
		<-upload.Done()
		if err := upload.Err(); err != nil && !store.IsAbortError(err) && m.logger != nil {
			m.logger.Warn("in-progress upload ended with non-abort error during destroy", map[string]any{"error": err.Error()})
		}
	}

	if active != nil {
		if err := active.Destroy(); err != nil && m.logger != nil {
			m.logger.Warn("failed to destroy active buffer", map[string]any{"error": err.Error()})
		}
	}
	if flushing != nil {
		if err := flushing.Destroy(); err != nil && m.logger != nil {
			m.logger.Warn("failed to destroy flushing buffer", map[string]any{"error": err.Error()})
		}
	}
}

// handleSubscriptionEvent implements the realtime activator (§4.D): on a
// subscription signal, transitions realtime false->true idempotently,
// bootstraps the subscriber with the active buffer's current on-disk
// content plus oldestSourceTs, and leaves realtime set for subsequent
// per-message publishes even if the bootstrap itself fails (best-effort,
// per §4.D "the realtime flag remains set so subsequent appends still
// publish").
func (m *Manager) handleSubscriptionEvent() {
	m.mu.Lock()
	if m.realtime {
		m.mu.Unlock()
		return
	}
	m.realtime = true
	active := m.active
	m.mu.Unlock()

	content, err := active.ReadAll()
	if err != nil {
		if m.logger != nil {
			m.logger.Error("realtime bootstrap: failed to read active buffer", map[string]any{"error": err.Error()})
		}
		return
	}

	ctx := context.Background()
	oldest := active.OldestSourceTs()
	if err := m.mirrorStore.AddMessagesFromBuffer(ctx, m.identity.Team, m.identity.Session, content, oldest); err != nil && m.logger != nil {
		m.logger.Error("realtime bootstrap publish failed", map[string]any{"error": err.Error()})
	}
}
