package session

import (
	"context"
	"io"

	"github.com/coldstore-io/sessionrec/ingestmsg"
	"github.com/coldstore-io/sessionrec/store"
)

// Uploader is the subset of *store.Client the flush pipeline depends on.
// Declared here, at the consumer, so tests can substitute a fake without a
// real object-store connection.
type Uploader interface {
	StartUpload(parent context.Context, key string, body io.Reader) *store.Upload
}

// RealtimeStore is the subset of *mirror.Store the realtime activator and
// construction/endFlush paths depend on.
type RealtimeStore interface {
	ClearAllMessages(ctx context.Context, team, session string) error
	OnSubscriptionEvent(team, session string, cb func()) (unsubscribe func(), err error)
	AddMessage(ctx context.Context, team, session string, m *ingestmsg.Message) error
	AddMessagesFromBuffer(ctx context.Context, team, session string, bufferContent []byte, oldestSourceTs *int64) error
}
