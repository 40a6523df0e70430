// Package mirror implements the realtime mirror store (§6), which makes an
// in-progress buffer readable by other services with low latency. This
// implementation publishes JSON messages over Redis pub/sub channels keyed
// by (team, session); it keeps no key/value state and sets no TTL, so a
// reader only sees what is published while it is subscribed.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/coldstore-io/sessionrec/ingestmsg"
)

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts on publish failure.
const DefaultRetries = 3

// Config configures the realtime mirror store.
type Config struct {
	// URL is the Redis connection URL (required). Format:
	// redis://[:password@]host:port[/db]
	URL string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure. Zero means a
	// single attempt; New applies no default (see DefaultRetries).
	Retries int
}

// Store is the realtime mirror client SessionManager talks to.
type Store struct {
	client  *goredis.Client
	timeout time.Duration
	retries int
}

// New creates a realtime mirror Store from the given config.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("mirror: URL is required")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("mirror: invalid URL: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("mirror: retries must be >= 0, got %d", cfg.Retries)
	}

	return &Store{
		client:  goredis.NewClient(opts),
		timeout: cfg.Timeout,
		retries: cfg.Retries,
	}, nil
}

func dataChannel(team, session string) string {
	return fmt.Sprintf("realtime:data:%s:%s", team, session)
}

func subscribeChannel(team, session string) string {
	return fmt.Sprintf("realtime:subscribe:%s:%s", team, session)
}

// bootstrapEnvelope is published once on realtime activation, carrying the
// active buffer's existing content plus its oldest source timestamp.
type bootstrapEnvelope struct {
	Kind           string          `json:"kind"` // always "bootstrap"
	Content        json.RawMessage `json:"content"`
	OldestSourceTs *int64          `json:"oldest_source_ts"`
}

// messageEnvelope wraps a single appended message for publish.
type messageEnvelope struct {
	Kind    string             `json:"kind"` // always "message"
	Message ingestmsg.Persisted `json:"message"`
}

// ClearAllMessages clears any stale realtime state for (team, session).
// Called on SessionManager construction.
func (s *Store) ClearAllMessages(ctx context.Context, team, session string) error {
	return s.publish(ctx, dataChannel(team, session), []byte(`{"kind":"clear"}`))
}

// AddMessage publishes a single appended message to the realtime channel.
func (s *Store) AddMessage(ctx context.Context, team, session string, m *ingestmsg.Message) error {
	body, err := json.Marshal(messageEnvelope{Kind: "message", Message: ingestmsg.ConvertToPersistedMessage(m)})
	if err != nil {
		return fmt.Errorf("mirror: marshal message: %w", err)
	}
	return s.publish(ctx, dataChannel(team, session), body)
}

// AddMessagesFromBuffer bootstraps a realtime subscriber with the active
// buffer's current on-disk content and oldest source timestamp.
func (s *Store) AddMessagesFromBuffer(ctx context.Context, team, session string, bufferContent []byte, oldestSourceTs *int64) error {
	body, err := json.Marshal(bootstrapEnvelope{Kind: "bootstrap", Content: bufferContent, OldestSourceTs: oldestSourceTs})
	if err != nil {
		return fmt.Errorf("mirror: marshal bootstrap: %w", err)
	}
	return s.publish(ctx, dataChannel(team, session), body)
}

// OnSubscriptionEvent registers cb to run whenever an external reader
// requests realtime mirroring for (team, session). Returns an unsubscribe
// function the caller must invoke on session destroy.
func (s *Store) OnSubscriptionEvent(team, session string, cb func()) (unsubscribe func(), err error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(ctx, subscribeChannel(team, session))

	ch := pubsub.Channel()
	go func() {
		for range ch {
			cb()
		}
	}()

	return func() {
		cancel()
		_ = pubsub.Close()
	}, nil
}

// RequestRealtime signals subscribeChannel(team, session), simulating an
// external reader asking to activate the realtime mirror. Exposed for
// integration tests and for any in-process API surface that wants to
// trigger activation without a separate reader process.
func (s *Store) RequestRealtime(ctx context.Context, team, session string) error {
	return s.client.Publish(ctx, subscribeChannel(team, session), []byte("1")).Err()
}

// publish retries with exponential backoff, matching the retry policy the
// pack's event-bus adapter uses for outbound notifications.
func (s *Store) publish(ctx context.Context, channel string, body []byte) error {
	var lastErr error
	attempts := 1 + s.retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("mirror: context canceled: %w", err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("mirror: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, s.timeout)
		lastErr = s.client.Publish(publishCtx, channel, body).Err()
		cancel()

		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("mirror: publish failed after %d attempts: %w", attempts, lastErr)
}

// Close releases the Redis client's resources.
func (s *Store) Close() error {
	return s.client.Close()
}
