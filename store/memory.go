package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStore keeps documents in process memory. It supports live queries
// and transactions and is the default backend for local runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Fields
	clock       *Clock
	feed        *feed
	writes      atomic.Int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	s := &MemoryStore{
		collections: make(map[string]map[string]Fields),
		clock:       NewClock(nil),
	}
	s.feed = newFeed(s.Find, logger)
	return s
}

// Writes returns how many write operations have been committed.
func (s *MemoryStore) Writes() int64 {
	return s.writes.Load()
}

func (s *MemoryStore) Get(_ context.Context, collection, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return s.copyDoc(id, fields)
}

func (s *MemoryStore) Find(_ context.Context, q Query) ([]*Document, error) {
	s.mu.RLock()
	docs := make([]*Document, 0, len(s.collections[q.Collection]))
	for id, fields := range s.collections[q.Collection] {
		d, err := s.copyDoc(id, fields)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		docs = append(docs, d)
	}
	s.mu.RUnlock()
	return q.Apply(docs), nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, q Query, fn Listener) (Unsubscribe, error) {
	return s.feed.subscribe(ctx, q, fn), nil
}

func (s *MemoryStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	var id string
	err := s.RunTransaction(ctx, func(ctx context.Context, w Writer) error {
		var err error
		id, err = w.Add(ctx, collection, fields)
		return err
	})
	return id, err
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, updates Updates) error {
	return s.RunTransaction(ctx, func(ctx context.Context, w Writer) error {
		return w.Update(ctx, collection, id, updates)
	})
}

func (s *MemoryStore) Create(_ context.Context, collection, id string, fields Fields) (*Document, bool, error) {
	s.mu.Lock()
	if existing, ok := s.collections[collection][id]; ok {
		doc, err := s.copyDoc(id, existing)
		s.mu.Unlock()
		return doc, false, err
	}
	resolved, err := newFields(fields, s.clock.Next())
	if err != nil {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	s.put(collection, id, resolved)
	doc, err := s.copyDoc(id, resolved)
	s.mu.Unlock()

	s.writes.Add(1)
	s.feed.notify(collection)
	return doc, true, err
}

func (s *MemoryStore) Merge(_ context.Context, collection, id string, fields Fields) error {
	s.mu.Lock()
	merged, err := mergeFields(s.collections[collection][id], fields, s.clock.Next())
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	s.put(collection, id, merged)
	s.mu.Unlock()

	s.writes.Add(1)
	s.feed.notify(collection)
	return nil
}

// RunTransaction stages the writes of fn and commits them together. Either
// every write becomes visible or none does.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, w Writer) error) error {
	tx := &memoryTx{}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	staged := make(map[string]map[string]Fields)
	current := func(collection, id string) (Fields, bool) {
		if f, ok := staged[collection][id]; ok {
			return f, true
		}
		f, ok := s.collections[collection][id]
		return f, ok
	}
	stage := func(collection, id string, f Fields) {
		if staged[collection] == nil {
			staged[collection] = make(map[string]Fields)
		}
		staged[collection][id] = f
	}

	now := s.clock.Next()
	for _, op := range tx.ops {
		if op.add {
			f, err := newFields(op.fields, now)
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("add %s: %w", op.collection, err)
			}
			stage(op.collection, op.id, f)
			continue
		}
		base, ok := current(op.collection, op.id)
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("update %s/%s: %w", op.collection, op.id, ErrNotFound)
		}
		f, err := applyUpdates(base, op.updates, now)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("update %s/%s: %w", op.collection, op.id, err)
		}
		stage(op.collection, op.id, f)
	}

	touched := make([]string, 0, len(staged))
	for collection, docs := range staged {
		for id, f := range docs {
			s.put(collection, id, f)
		}
		touched = append(touched, collection)
	}
	s.mu.Unlock()

	s.writes.Add(int64(len(tx.ops)))
	s.feed.notify(touched...)
	return nil
}

// Close stops every live query.
func (s *MemoryStore) Close() error {
	s.feed.closeAll()
	return nil
}

func (s *MemoryStore) put(collection, id string, fields Fields) {
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]Fields)
	}
	s.collections[collection][id] = fields
}

func (s *MemoryStore) copyDoc(id string, fields Fields) (*Document, error) {
	f, err := normalize(fields)
	if err != nil {
		return nil, err
	}
	return &Document{ID: id, Fields: f}, nil
}

type memoryOp struct {
	add        bool
	collection string
	id         string
	fields     Fields
	updates    Updates
}

type memoryTx struct {
	ops []memoryOp
}

func (tx *memoryTx) Add(_ context.Context, collection string, fields Fields) (string, error) {
	id := uuid.New().String()
	tx.ops = append(tx.ops, memoryOp{add: true, collection: collection, id: id, fields: fields})
	return id, nil
}

func (tx *memoryTx) Update(_ context.Context, collection, id string, updates Updates) error {
	tx.ops = append(tx.ops, memoryOp{collection: collection, id: id, updates: updates})
	return nil
}
