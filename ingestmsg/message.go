// Package ingestmsg defines the wire shape of a single recording event as
// delivered by the partition consumer, and its on-disk persisted form.
//
// The event schema itself is treated as opaque per the ingestion contract:
// this package only cares about the fields the buffering engine needs to
// make flush decisions (source-log timestamp and offset) and the
// event-payload timestamps that define the remote object key range.
package ingestmsg

import "encoding/json"

// Metadata carries the durable-log coordinates of a message.
type Metadata struct {
	// Timestamp is the source-log timestamp in epoch milliseconds —
	// the time assigned by the durable log, not wall-clock receipt time.
	Timestamp int64 `json:"timestamp"`
	// Offset is the partition offset of this message.
	Offset int64 `json:"offset"`
	// Partition is the source partition.
	Partition int32 `json:"partition"`
	// Topic is the source topic.
	Topic string `json:"topic"`
}

// Event is one recording event carried inside a message. Only the
// event-payload timestamp is interpreted by the buffering engine. Data is
// excluded from JSON encoding, so the persisted form of an event carries
// only its timestamp.
type Event struct {
	// Timestamp is the event-payload timestamp in epoch milliseconds.
	// Zero/absent means "no usable timestamp" and callers must skip range
	// updates rather than treat zero as a real value.
	Timestamp int64 `json:"timestamp"`
	// Data carries the rest of the event's fields, opaque to this engine.
	Data json.RawMessage `json:"-"`
}

// Message is one record handed to SessionManager.Add by the dispatcher.
type Message struct {
	Metadata Metadata
	Events   []Event
	// Payload is the opaque, caller-defined record to persist. It is never
	// interpreted by the buffering engine beyond being serialized to disk.
	Payload any
}

// Persisted is the on-wire record written to the buffer file, one per
// line, newline-terminated. ConvertToPersistedMessage produces it.
type Persisted struct {
	Metadata Metadata `json:"metadata"`
	Events   []Event  `json:"events,omitempty"`
	Payload  any      `json:"payload"`
}

// ConvertToPersistedMessage is the (intentionally opaque) transform from
// the incoming message to the on-disk record. A real deployment may choose
// to redact, rename, or otherwise reshape fields here; this engine does
// not depend on the transform being identity.
func ConvertToPersistedMessage(m *Message) Persisted {
	return Persisted{
		Metadata: m.Metadata,
		Events:   m.Events,
		Payload:  m.Payload,
	}
}

// FirstEventTimestamp returns events[0].Timestamp, or 0 if there are no
// events. Used by the buffer to update eventsRange; a 0 return means
// "missing/zero", which callers must treat as absent per the append
// algorithm's diagnostic-and-skip rule.
func FirstEventTimestamp(m *Message) int64 {
	if len(m.Events) == 0 {
		return 0
	}
	return m.Events[0].Timestamp
}

// LastEventTimestamp returns events[len-1].Timestamp, or 0 if there are no
// events.
func LastEventTimestamp(m *Message) int64 {
	if len(m.Events) == 0 {
		return 0
	}
	return m.Events[len(m.Events)-1].Timestamp
}
