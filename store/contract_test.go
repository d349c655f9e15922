package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract checks the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("add and get", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		id, err := s.Add(ctx, "chats/c1/messages", Fields{
			"senderId":  "u1",
			"content":   "hello",
			"timestamp": ServerTimestamp,
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		doc, err := s.Get(ctx, "chats/c1/messages", id)
		require.NoError(t, err)
		assert.Equal(t, id, doc.ID)
		assert.Equal(t, "hello", doc.Fields["content"])
		requireTimestamp(t, doc.Fields["timestamp"])
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "chats", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update increments and sets", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, created, err := s.Create(ctx, "chats", "c1", Fields{
			"participants":   []any{"u1", "u2"},
			"unreadMessages": map[string]any{"u1": 0, "u2": 3},
		})
		require.NoError(t, err)
		require.True(t, created)

		require.NoError(t, s.Update(ctx, "chats", "c1", Updates{"unreadMessages.u2": 0}))
		require.NoError(t, s.Update(ctx, "chats", "c1", Updates{
			"lastMessage":       "hello",
			"unreadMessages.u2": Increment(1),
		}))

		var got struct {
			LastMessage    string         `json:"lastMessage"`
			UnreadMessages map[string]int `json:"unreadMessages"`
		}
		doc, err := s.Get(ctx, "chats", "c1")
		require.NoError(t, err)
		require.NoError(t, doc.DataTo(&got))
		assert.Equal(t, "hello", got.LastMessage)
		assert.Equal(t, map[string]int{"u1": 0, "u2": 1}, got.UnreadMessages)
	})

	t.Run("update missing", func(t *testing.T) {
		s := newStore(t)
		err := s.Update(context.Background(), "chats", "missing", Updates{"lastMessage": "x"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create is idempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		first, created, err := s.Create(ctx, "chats", "u1=u2", Fields{
			"lastMessage": "first",
			"lastUpdated": ServerTimestamp,
		})
		require.NoError(t, err)
		require.True(t, created)
		requireTimestamp(t, first.Fields["lastUpdated"])

		second, created, err := s.Create(ctx, "chats", "u1=u2", Fields{"lastMessage": "second"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "first", second.Fields["lastMessage"])
		assert.Equal(t, first.Fields["lastUpdated"], second.Fields["lastUpdated"])
	})

	t.Run("merge", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Merge(ctx, "users", "u1", Fields{"id": "u1", "name": "Ada"}))
		require.NoError(t, s.Merge(ctx, "users", "u1", Fields{"email": "ada@example.com"}))

		doc, err := s.Get(ctx, "users", "u1")
		require.NoError(t, err)
		assert.Equal(t, "Ada", doc.Fields["name"])
		assert.Equal(t, "ada@example.com", doc.Fields["email"])
	})

	t.Run("server timestamps survive unrelated updates", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, _, err := s.Create(ctx, "chats", "c1", Fields{
			"unreadMessages": map[string]any{"u1": 2},
			"lastUpdated":    ServerTimestamp,
		})
		require.NoError(t, err)
		doc, err := s.Get(ctx, "chats", "c1")
		require.NoError(t, err)
		created := requireTimestamp(t, doc.Fields["lastUpdated"])

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.Update(ctx, "chats", "c1", Updates{"unreadMessages.u1": 0}))
		doc, err = s.Get(ctx, "chats", "c1")
		require.NoError(t, err)
		assert.Equal(t, created, doc.Fields["lastUpdated"])

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.Update(ctx, "chats", "c1", Updates{"lastUpdated": ServerTimestamp}))
		doc, err = s.Get(ctx, "chats", "c1")
		require.NoError(t, err)
		assert.Greater(t, requireTimestamp(t, doc.Fields["lastUpdated"]), created)
	})

	t.Run("transaction is all or nothing", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		tx, ok := s.(Transactor)
		if !ok {
			t.Skip("backend has no transactions")
		}

		err := tx.RunTransaction(ctx, func(ctx context.Context, w Writer) error {
			if _, err := w.Add(ctx, "chats/c1/messages", Fields{"content": "hi"}); err != nil {
				return err
			}
			return w.Update(ctx, "chats", "c1", Updates{"lastMessage": "hi"})
		})
		require.ErrorIs(t, err, ErrNotFound)

		docs, err := s.Find(ctx, Collection("chats/c1/messages"))
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("concurrent increments", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, _, err := s.Create(ctx, "chats", "c1", Fields{"unreadMessages": map[string]any{"u2": 0}})
		require.NoError(t, err)

		const writers = 20
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Update(ctx, "chats", "c1", Updates{"unreadMessages.u2": Increment(1)}))
			}()
		}
		wg.Wait()

		doc, err := s.Get(ctx, "chats", "c1")
		require.NoError(t, err)
		assert.Equal(t, float64(writers), doc.Fields["unreadMessages"].(map[string]any)["u2"])
	})

	t.Run("find filters and orders", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		for id, participants := range map[string][]any{
			"c1": {"u1", "u2"},
			"c2": {"u1", "u3"},
			"c3": {"u2", "u3"},
		} {
			_, _, err := s.Create(ctx, "chats", id, Fields{"participants": participants, "rank": id})
			require.NoError(t, err)
		}

		docs, err := s.Find(ctx, Collection("chats").
			Where("participants", OpArrayContains, "u1").
			Order("rank", Desc))
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "c2", docs[0].ID)
		assert.Equal(t, "c1", docs[1].ID)
	})

	t.Run("subscribe delivers ordered snapshots", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		snapshots := make(chan Snapshot, 16)
		unsubscribe, err := s.Subscribe(ctx, Collection("chats/c1/messages").Order("timestamp", Asc), func(snap Snapshot) {
			snapshots <- snap
		})
		require.NoError(t, err)
		defer unsubscribe()

		initial := receive(t, snapshots)
		assert.Empty(t, initial.Docs)

		for _, text := range []string{"one", "two", "three"} {
			_, err := s.Add(ctx, "chats/c1/messages", Fields{"content": text, "timestamp": ServerTimestamp})
			require.NoError(t, err)
		}

		require.Eventually(t, func() bool {
			for {
				select {
				case snap := <-snapshots:
					if len(snap.Docs) == 3 {
						assert.Equal(t, "one", snap.Docs[0].Fields["content"])
						assert.Equal(t, "two", snap.Docs[1].Fields["content"])
						assert.Equal(t, "three", snap.Docs[2].Fields["content"])
						return true
					}
				default:
					return false
				}
			}
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("subscribe ignores other collections", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		snapshots := make(chan Snapshot, 16)
		unsubscribe, err := s.Subscribe(ctx, Collection("chats/c1/messages"), func(snap Snapshot) {
			snapshots <- snap
		})
		require.NoError(t, err)
		defer unsubscribe()
		receive(t, snapshots)

		require.NoError(t, s.Merge(ctx, "users", "u1", Fields{"name": "Ada"}))
		require.NoError(t, s.Merge(ctx, "chats", "c1", Fields{"lastMessage": "x"}))
		select {
		case snap := <-snapshots:
			t.Fatalf("unexpected snapshot with %d docs", len(snap.Docs))
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		var mu sync.Mutex
		count := 0
		unsubscribe, err := s.Subscribe(ctx, Collection("chats"), func(Snapshot) {
			mu.Lock()
			count++
			mu.Unlock()
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return count == 1
		}, 2*time.Second, time.Millisecond)

		unsubscribe()
		unsubscribe()

		require.NoError(t, s.Merge(ctx, "chats", "c1", Fields{"lastMessage": "x"}))
		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, count)
	})

	t.Run("close stops live queries", func(t *testing.T) {
		s := newStore(t)
		unsubscribe, err := s.Subscribe(context.Background(), Collection("chats"), func(Snapshot) {})
		require.NoError(t, err)
		require.NoError(t, s.Close())
		unsubscribe()
	})
}

// requireTimestamp asserts v is a resolved server timestamp and returns it.
func requireTimestamp(t *testing.T, v any) string {
	t.Helper()
	ts, ok := v.(string)
	require.True(t, ok, "server timestamp must be resolved to a string, got %T", v)
	_, err := ParseTimestamp(ts)
	require.NoError(t, err)
	return ts
}

func receive(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}
