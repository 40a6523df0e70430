// Package session implements the SessionManager state machine (§2 Component
// C): the double-buffer lifecycle, the flush decision policy, the guarded
// upload pipeline, the realtime activation protocol, and offset reporting
// back to the dispatcher.
//
// Methods are not safe to call from multiple goroutines concurrently. The
// design notes (§9) offer two reimplementation strategies for the source's
// single-threaded cooperative-scheduler guarantee; this package takes option
// (b): a mutex around active/flushing swap and all counter-affecting entry
// points (Add, Flush, FlushIfSessionBufferIsOld). The dispatcher is still
// responsible for never calling into the same manager re-entrantly from a
// callback it registered (e.g. onFinish must not call back into Add
// synchronously), exactly as the source's cooperative scheduler requires.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/coldstore-io/sessionrec/buffer"
	"github.com/coldstore-io/sessionrec/ingestmsg"
	"github.com/coldstore-io/sessionrec/log"
	"github.com/coldstore-io/sessionrec/store"
)

// Flush reasons, part of the external metrics contract (§6).
const (
	ReasonBufferSize         = "buffer_size"
	ReasonBufferAge          = "buffer_age"
	ReasonBufferAgeRealtime  = "buffer_age_realtime"
)

// HardFlushTimeout is MAX_FLUSH_TIME_MS (§4.C step 1): the default deadline
// that forces endFlush without waiting further for the upload, without
// cancelling the upload itself. Config.HardFlushTimeout overrides it.
const HardFlushTimeout = 60 * time.Second

// SoftTimeoutWarning is the threshold past which End() and upload-await are
// logged as slow. Soft timeouts never cancel anything (§9 "timeouts are
// independent, nested").
const SoftTimeoutWarning = 10 * time.Second

// Identity is the immutable (team, session, partition, topic) tuple a
// manager is constructed with (§3).
type Identity struct {
	Team      string
	Session   string
	Partition int32
	Topic     string
}

// Config holds the flush-policy thresholds and local directory a manager
// needs (§6's enumerated configuration, minus the parts store/mirror own).
type Config struct {
	MaxBufferSizeKB           int64
	MaxBufferAgeSeconds       int64
	BufferAgeJitter           float64 // J in [0,1)
	BufferAgeInMemoryMultiplier float64 // >= 1
	LocalDirectory            string
	RemoteFolder              string
	// HardFlushTimeout bounds a single flush attempt (§4.C step 1). Zero
	// defaults to HardFlushTimeout, the 60s deadline spec.md names;
	// overriding it is mainly useful for tests that don't want to wait 60s
	// for a hung upload to time out.
	HardFlushTimeout time.Duration
}

// OnFinish is invoked exactly once per flush attempt, after success or
// terminal failure, with the flushing buffer's [low, high] offsets (§4.C
// endFlush, §5 "onFinish is called after the upload succeeds or after a
// terminal failure").
type OnFinish func(low, high int64)

// Manager is the per-(team,session,partition,topic) state machine (§2
// Component C). Zero value is not usable; construct with New.
type Manager struct {
	cfg      Config
	identity Identity

	storeClient  Uploader
	mirrorStore  RealtimeStore
	onFinish     OnFinish
	logger       *log.Logger
	clock        clockwork.Clock

	jitterMultiplier float64

	mu        sync.Mutex
	active    *buffer.Buffer
	flushing  *buffer.Buffer
	destroying bool
	realtime   bool

	inProgressUpload *store.Upload
	unsubscribe      func()
}

// New constructs a Manager: creates the first active buffer, clears stale
// realtime state for (team, session), samples the jitter multiplier once
// from [1-J, 1] (§3, §9 "jitter sampled once at construction"), and
// subscribes to the realtime activation channel (§4.D).
//
// clock is injectable so tests can control both the buffer's createdAt
// wall-clock stamp and FlushIfSessionBufferIsOld's wall-clock comparisons
// (scenario 3 in §8 depends on advancing wall time independently of
// source-log time). A nil clock defaults to clockwork.NewRealClock().
func New(ctx context.Context, cfg Config, identity Identity, storeClient Uploader, mirrorStore RealtimeStore, onFinish OnFinish, logger *log.Logger, clock clockwork.Clock) (*Manager, error) {
	if cfg.MaxBufferSizeKB <= 0 {
		return nil, fmt.Errorf("session: MaxBufferSizeKB must be > 0")
	}
	if cfg.MaxBufferAgeSeconds <= 0 {
		return nil, fmt.Errorf("session: MaxBufferAgeSeconds must be > 0")
	}
	if cfg.BufferAgeJitter < 0 || cfg.BufferAgeJitter >= 1 {
		return nil, fmt.Errorf("session: BufferAgeJitter must be in [0,1), got %f", cfg.BufferAgeJitter)
	}
	if cfg.BufferAgeInMemoryMultiplier < 1 {
		return nil, fmt.Errorf("session: BufferAgeInMemoryMultiplier must be >= 1, got %f", cfg.BufferAgeInMemoryMultiplier)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.HardFlushTimeout <= 0 {
		cfg.HardFlushTimeout = HardFlushTimeout
	}

	nowMs := clock.Now().UnixMilli()
	active, err := buffer.New(cfg.LocalDirectory, identity.Team, identity.Session, nowMs)
	if err != nil {
		return nil, fmt.Errorf("session: create initial buffer: %w", err)
	}

	if mirrorStore != nil {
		if err := mirrorStore.ClearAllMessages(ctx, identity.Team, identity.Session); err != nil && logger != nil {
			logger.Warn("failed to clear stale realtime state on construction", map[string]any{"error": err.Error()})
		}
	}

	m := &Manager{
		cfg:              cfg,
		identity:         identity,
		storeClient:      storeClient,
		mirrorStore:      mirrorStore,
		onFinish:         onFinish,
		logger:           logger,
		clock:            clock,
		jitterMultiplier: sampleJitter(cfg.BufferAgeJitter),
		active:           active,
	}

	if mirrorStore != nil {
		unsubscribe, err := mirrorStore.OnSubscriptionEvent(identity.Team, identity.Session, m.handleSubscriptionEvent)
		if err != nil && logger != nil {
			logger.Warn("failed to subscribe to realtime activation channel", map[string]any{"error": err.Error()})
		}
		m.unsubscribe = unsubscribe
	}

	return m, nil
}

// sampleJitter draws uniformly from [1-J, 1] (§8 invariant 5).
func sampleJitter(j float64) float64 {
	if j <= 0 {
		return 1
	}
	return (1 - j) + rand.Float64()*j
}

// JitterMultiplier exposes the sampled multiplier, primarily for tests
// verifying §8 invariant 5.
func (m *Manager) JitterMultiplier() float64 { return m.jitterMultiplier }

// IsEmpty reports whether both buffers are empty (§6).
func (m *Manager) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.active == nil || m.active.IsEmpty()
	flushing := m.flushing == nil || m.flushing.IsEmpty()
	return active && flushing
}

// Add appends one message to the active buffer (§4.A), then checks the
// size-triggered flush condition synchronously, then fires a best-effort
// realtime publish if active. A size-triggered flush is started
// fire-and-forget: the caller (dispatcher) does not block on upload
// completion, matching the source's single-threaded scheduler where
// flush() returns a promise the caller need not await.
func (m *Manager) Add(ctx context.Context, msg *ingestmsg.Message) {
	m.mu.Lock()

	m.active.Append(msg, m.logger)
	triggerFlush := m.active.SizeEstimate() >= m.cfg.MaxBufferSizeKB*1024
	realtimeActive := m.realtime

	m.mu.Unlock()

	if realtimeActive && m.mirrorStore != nil {
		go func() {
			if err := m.mirrorStore.AddMessage(ctx, m.identity.Team, m.identity.Session, msg); err != nil && m.logger != nil {
				m.logger.Warn("realtime publish failed", map[string]any{"error": err.Error()})
			}
		}()
	}

	if triggerFlush {
		// Flush performs its swap synchronously before returning (see its
		// doc comment), so the buffer this triggering Add observed is
		// guaranteed swapped out before Add returns to the caller.
		m.Flush(ctx, ReasonBufferSize)
	}
}

// FlushIfSessionBufferIsOld is the dispatcher's age-based tick (§4.B,
// §6). referenceNow is source-log time, typically the newest timestamp
// observed across any session in the partition.
//
// Precedence: if both age conditions fire, buffer_age (source-time) wins
// over buffer_age_realtime (§4.B).
func (m *Manager) FlushIfSessionBufferIsOld(ctx context.Context, referenceNow int64) {
	m.mu.Lock()

	if m.flushing != nil || m.destroying || m.active.IsEmpty() {
		m.mu.Unlock()
		return
	}

	oldest := m.active.OldestSourceTs()
	if oldest == nil {
		// count > 0 with oldestSourceTs == nil violates invariant 1 (§3);
		// a fatal programming error, not a data condition.
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.Error("invariant violation: buffer non-empty with nil oldestSourceTs during age check", map[string]any{
				"count": m.active.Count(),
			})
		}
		return
	}

	baseMs := float64(m.cfg.MaxBufferAgeSeconds) * 1000 * m.jitterMultiplier
	sourceAge := float64(referenceNow - *oldest)
	wallAge := float64(m.clock.Now().UnixMilli() - m.active.CreatedAtMs())
	inMemoryThreshold := baseMs * m.cfg.BufferAgeInMemoryMultiplier

	var reason string
	switch {
	case sourceAge >= baseMs:
		reason = ReasonBufferAge
	case wallAge >= inMemoryThreshold:
		reason = ReasonBufferAgeRealtime
	default:
		m.mu.Unlock()
		return
	}

	m.mu.Unlock()
	m.Flush(ctx, reason)
}
