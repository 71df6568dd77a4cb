// Package events publishes document lifecycle events for consumers that do
// not follow the realtime feed, such as search indexers.
package events

import (
	"context"
	"time"
)

// Type enumerates published event kinds.
type Type string

const (
	// TypeDocumentCompacted is emitted after a compaction folded fragments into a snapshot.
	TypeDocumentCompacted Type = "document.compacted"
	// TypeDocumentMirrored is emitted when the plain-text projection of a document changes.
	TypeDocumentMirrored Type = "document.mirrored"
)

// Event describes a change to one document.
type Event struct {
	Type        Type      `json:"type"`
	DocumentID  string    `json:"document_id"`
	SequenceNum int64     `json:"sequence_num,omitempty"`
	Content     string    `json:"content,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher accepts events for asynchronous delivery. Publish is called after
// the change is committed and must not block the caller.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error {
	return nil
}
