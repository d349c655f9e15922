// Package store defines the real-time document store used by the chat core
// and ships three backends for it: an in-memory store, a gorm (MySQL) store
// and a NATS JetStream key/value store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Fields is the JSON-compatible content of a document.
type Fields map[string]any

// Updates maps dotted field paths ("unreadMessages.u1") to new values or
// field transforms such as Increment and ServerTimestamp.
type Updates map[string]any

// Document is one stored document.
type Document struct {
	ID     string
	Fields Fields
}

// DataTo decodes the document fields into v.
func (d *Document) DataTo(v any) error {
	data, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	return nil
}

// Snapshot is the full result set of a query at one point in time.
type Snapshot struct {
	Docs []*Document
}

// Listener receives every snapshot of a live query.
type Listener func(Snapshot)

// Unsubscribe stops a live query and waits for its delivery goroutine to
// exit. It is safe to call more than once but must not be called from
// inside the subscription's own Listener.
type Unsubscribe func()

// Writer is the write half of a store, also handed to transactions.
type Writer interface {
	// Add creates a document with a store-assigned id.
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	// Update atomically applies a partial update to an existing document.
	Update(ctx context.Context, collection, id string, updates Updates) error
}

// Store is a generic real-time document store.
type Store interface {
	Writer

	Get(ctx context.Context, collection, id string) (*Document, error)
	Find(ctx context.Context, q Query) ([]*Document, error)
	// Subscribe pushes a full snapshot of q now and after every change
	// until the returned Unsubscribe is called or ctx is cancelled.
	Subscribe(ctx context.Context, q Query, fn Listener) (Unsubscribe, error)
	// Create stores a document under a caller-chosen id unless one exists.
	// It returns the stored document and whether this call created it.
	Create(ctx context.Context, collection, id string, fields Fields) (*Document, bool, error)
	// Merge sets the given top-level fields, creating the document if needed.
	Merge(ctx context.Context, collection, id string, fields Fields) error
	Close() error
}

// Transactor is implemented by stores that can apply several writes
// atomically.
type Transactor interface {
	RunTransaction(ctx context.Context, fn func(ctx context.Context, w Writer) error) error
}
