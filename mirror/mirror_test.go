package mirror

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/coldstore-io/sessionrec/ingestmsg"
)

func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{}
	}
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestNew_RejectsNegativeRetries(t *testing.T) {
	_, err := New(Config{URL: "redis://localhost:6379", Retries: -1})
	if err == nil {
		t.Fatal("expected error for negative retries")
	}
}

func TestAddMessage_PublishesToDataChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	sub := mr.NewSubscriber()
	sub.Subscribe(dataChannel("acme", "sess1"))
	ch := asyncReceive(sub)

	msg := &ingestmsg.Message{
		Metadata: ingestmsg.Metadata{Timestamp: 1, Offset: 2},
		Payload:  map[string]any{"k": "v"},
	}
	if err := s.AddMessage(t.Context(), "acme", "sess1", msg); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	received := waitMessage(t, ch)
	var env messageEnvelope
	if err := json.Unmarshal([]byte(received.Message), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Kind != "message" {
		t.Errorf("Kind = %q, want message", env.Kind)
	}
	if env.Message.Metadata.Offset != 2 {
		t.Errorf("Offset = %d, want 2", env.Message.Metadata.Offset)
	}
}

func TestAddMessagesFromBuffer_PublishesBootstrap(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	sub := mr.NewSubscriber()
	sub.Subscribe(dataChannel("acme", "sess1"))
	ch := asyncReceive(sub)

	oldest := int64(42)
	if err := s.AddMessagesFromBuffer(t.Context(), "acme", "sess1", []byte(`{"a":1}`), &oldest); err != nil {
		t.Fatalf("AddMessagesFromBuffer failed: %v", err)
	}

	received := waitMessage(t, ch)
	var env bootstrapEnvelope
	if err := json.Unmarshal([]byte(received.Message), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Kind != "bootstrap" {
		t.Errorf("Kind = %q, want bootstrap", env.Kind)
	}
	if env.OldestSourceTs == nil || *env.OldestSourceTs != 42 {
		t.Errorf("OldestSourceTs = %v, want 42", env.OldestSourceTs)
	}
}

func TestClearAllMessages_PublishesClear(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	sub := mr.NewSubscriber()
	sub.Subscribe(dataChannel("acme", "sess1"))
	ch := asyncReceive(sub)

	if err := s.ClearAllMessages(t.Context(), "acme", "sess1"); err != nil {
		t.Fatalf("ClearAllMessages failed: %v", err)
	}

	received := waitMessage(t, ch)
	if received.Message != `{"kind":"clear"}` {
		t.Errorf("message = %q, want clear envelope", received.Message)
	}
}

func TestOnSubscriptionEvent_FiresCallback(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	fired := make(chan struct{}, 1)
	unsubscribe, err := s.OnSubscriptionEvent("acme", "sess1", func() {
		fired <- struct{}{}
	})
	if err != nil {
		t.Fatalf("OnSubscriptionEvent failed: %v", err)
	}
	defer unsubscribe()

	// Give the subscription goroutine time to register before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := s.RequestRealtime(t.Context(), "acme", "sess1"); err != nil {
		t.Fatalf("RequestRealtime failed: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription callback did not fire")
	}
}

func TestPublish_ExhaustsRetries(t *testing.T) {
	s, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 1, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	err = s.ClearAllMessages(context.Background(), "acme", "sess1")
	if err == nil {
		t.Fatal("expected error after exhausting retries against an unreachable server")
	}
}
