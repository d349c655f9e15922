package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// DefaultBucket is the KV bucket used when none is configured.
const DefaultBucket = "CHAT_SYNC"

const (
	maxCASAttempts = 32
	drainTimeout   = 10 * time.Second

	// pendingTimestampKey marks a server timestamp written by the latest
	// revision of an entry. Reads replace it with the entry's JetStream
	// timestamp; the next write of the entry makes it concrete.
	pendingTimestampKey = "$serverTimestamp"
)

// NATSStore keeps documents in a NATS JetStream key/value bucket. A
// document at collection "chats/c1/messages" with id "m1" is stored under
// key "chats.c1.messages.m1", so one collection is one wildcard watch.
//
// Server timestamps are the times JetStream stored the entries, so every
// instance sharing the bucket stamps documents from the same clock.
//
// The store has no multi-key transactions; writes that must land together
// are issued one after another by the caller.
type NATSStore struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	logger *zap.Logger
	closed chan struct{}

	mu     sync.Mutex
	subs   map[uint64]Unsubscribe
	nextID uint64
}

// NewNATSStore connects to url and opens (or creates) bucket.
func NewNATSStore(ctx context.Context, url, bucket string, logger *zap.Logger) (*NATSStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bucket == "" {
		bucket = DefaultBucket
	}

	closed := make(chan struct{})
	nc, err := nats.Connect(url,
		nats.Name("chat-sync"),
		nats.DrainTimeout(drainTimeout),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}

	return &NATSStore{
		nc:     nc,
		kv:     kv,
		logger: logger,
		closed: closed,
		subs:   make(map[uint64]Unsubscribe),
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "chat-sync documents",
		History:     1,
	})
}

func collectionSubject(collection string) string {
	return strings.ReplaceAll(strings.Trim(collection, "/"), "/", ".")
}

func documentKey(collection, id string) string {
	return collectionSubject(collection) + "." + id
}

func collectionFilter(collection string) string {
	return collectionSubject(collection) + ".*"
}

func (s *NATSStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	entry, err := s.kv.Get(ctx, documentKey(collection, id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return decodeEntry(id, entry)
}

func (s *NATSStore) Find(ctx context.Context, q Query) ([]*Document, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, collectionFilter(q.Collection))
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", q.Collection, err)
	}
	defer func() { _ = lister.Stop() }()

	prefix := collectionSubject(q.Collection) + "."
	var docs []*Document
	for key := range lister.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		d, err := decodeEntry(strings.TrimPrefix(key, prefix), entry)
		if err != nil {
			s.logger.Warn("Skipping undecodable document", zap.String("key", key), zap.Error(err))
			continue
		}
		docs = append(docs, d)
	}
	return q.Apply(docs), nil
}

// Subscribe watches the collection's keys and re-runs q after the initial
// replay and after every change.
func (s *NATSStore) Subscribe(ctx context.Context, q Query, fn Listener) (Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	watcher, err := s.kv.Watch(ctx, collectionFilter(q.Collection))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", q.Collection, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = watcher.Stop() }()

		replayed := false
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				// nil entry signals end of initial values replay
				if entry == nil {
					replayed = true
				}
				if !replayed {
					continue
				}
				s.drain(watcher)
				docs, err := s.Find(ctx, q)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					s.logger.Warn("Live query failed",
						zap.String("collection", q.Collection),
						zap.Error(err))
					continue
				}
				fn(Snapshot{Docs: docs})
			}
		}
	}()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			<-done
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
	s.subs[id] = unsubscribe
	s.mu.Unlock()
	return unsubscribe, nil
}

// drain discards queued watch updates; the next Find observes them anyway.
func (s *NATSStore) drain(w jetstream.KeyWatcher) {
	for {
		select {
		case <-w.Updates():
		default:
			return
		}
	}
}

func (s *NATSStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.New().String()
	resolved, err := newFields(fields, pendingTimestamp())
	if err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	data, err := json.Marshal(resolved)
	if err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	if _, err := s.kv.Create(ctx, documentKey(collection, id), data); err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	return id, nil
}

func (s *NATSStore) Create(ctx context.Context, collection, id string, fields Fields) (*Document, bool, error) {
	resolved, err := newFields(fields, pendingTimestamp())
	if err != nil {
		return nil, false, fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	data, err := json.Marshal(resolved)
	if err != nil {
		return nil, false, fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	_, err = s.kv.Create(ctx, documentKey(collection, id), data)
	created := err == nil
	if err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		return nil, false, fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	// Read back so server timestamps carry the stored entry's time.
	doc, err := s.Get(ctx, collection, id)
	if err != nil {
		return nil, false, err
	}
	return doc, created, nil
}

// Update applies updates with revision compare-and-swap, retrying when a
// concurrent writer got there first.
func (s *NATSStore) Update(ctx context.Context, collection, id string, updates Updates) error {
	key := documentKey(collection, id)
	return s.compareAndSwap(ctx, key, func(base Fields, exists bool) (Fields, error) {
		if !exists {
			return nil, fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
		}
		return applyUpdates(base, updates, pendingTimestamp())
	})
}

func (s *NATSStore) Merge(ctx context.Context, collection, id string, fields Fields) error {
	key := documentKey(collection, id)
	return s.compareAndSwap(ctx, key, func(base Fields, _ bool) (Fields, error) {
		return mergeFields(base, fields, pendingTimestamp())
	})
}

func (s *NATSStore) compareAndSwap(ctx context.Context, key string, mutate func(Fields, bool) (Fields, error)) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			base     Fields
			revision uint64
			exists   bool
		)
		entry, err := s.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
		case err != nil:
			return fmt.Errorf("get %s: %w", key, err)
		default:
			exists = true
			revision = entry.Revision()
			doc, err := decodeEntry(key, entry)
			if err != nil {
				return err
			}
			base = doc.Fields
		}

		next, err := mutate(base, exists)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}

		if exists {
			_, err = s.kv.Update(ctx, key, data, revision)
		} else {
			_, err = s.kv.Create(ctx, key, data)
		}
		if err == nil {
			return nil
		}
		if !isRevisionConflict(err) {
			return fmt.Errorf("write %s: %w", key, err)
		}
		s.logger.Debug("Revision conflict, retrying", zap.String("key", key), zap.Int("attempt", attempt))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1)*2*time.Millisecond + rand.N(5*time.Millisecond)):
		}
	}
	return fmt.Errorf("write %s: too many concurrent updates", key)
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Close stops every live query, then drains the connection and waits for
// it to close.
func (s *NATSStore) Close() error {
	s.mu.Lock()
	subs := make([]Unsubscribe, 0, len(s.subs))
	for _, unsubscribe := range s.subs {
		subs = append(subs, unsubscribe)
	}
	s.mu.Unlock()
	for _, unsubscribe := range subs {
		unsubscribe()
	}

	if err := s.nc.Drain(); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		return fmt.Errorf("drain nats: %w", err)
	}
	select {
	case <-s.closed:
		return nil
	case <-time.After(drainTimeout + time.Second):
		return fmt.Errorf("drain nats: timed out")
	}
}

func pendingTimestamp() map[string]any {
	return map[string]any{pendingTimestampKey: true}
}

func decodeEntry(id string, entry jetstream.KeyValueEntry) (*Document, error) {
	f := Fields{}
	if err := json.Unmarshal(entry.Value(), &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	stamp := FormatTimestamp(entry.Created())
	return &Document{ID: id, Fields: resolvePending(map[string]any(f), stamp).(map[string]any)}, nil
}

// resolvePending replaces pending timestamp markers with stamp.
func resolvePending(v any, stamp string) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 && t[pendingTimestampKey] == true {
			return stamp
		}
		for k, inner := range t {
			t[k] = resolvePending(inner, stamp)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = resolvePending(inner, stamp)
		}
		return t
	default:
		return v
	}
}
