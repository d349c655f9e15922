package store

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type queryRunner func(ctx context.Context, q Query) ([]*Document, error)

// feed fans committed writes out to live queries of the same collection.
// Each subscription owns one goroutine that re-runs its query when woken;
// wake-ups that arrive while a listener is busy collapse into one snapshot.
type feed struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	run    queryRunner
	logger *zap.Logger
}

type subscription struct {
	query  Query
	fn     Listener
	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

func newFeed(run queryRunner, logger *zap.Logger) *feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &feed{
		subs:   make(map[uint64]*subscription),
		run:    run,
		logger: logger,
	}
}

func (f *feed) subscribe(ctx context.Context, q Query, fn Listener) Unsubscribe {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		query:  q,
		fn:     fn,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	// initial snapshot
	s.wake <- struct{}{}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = s
	f.mu.Unlock()

	go f.loop(ctx, s)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			cancel()
			<-s.done
		})
	}
}

func (f *feed) loop(ctx context.Context, s *subscription) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		docs, err := f.run(ctx, s.query)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			// Left active: the next committed write retries the query.
			f.logger.Warn("Live query failed",
				zap.String("collection", s.query.Collection),
				zap.Error(err))
			continue
		}
		s.fn(Snapshot{Docs: docs})
	}
}

// notify wakes every subscription on one of the given collections.
func (f *feed) notify(collections ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		for _, c := range collections {
			if s.query.Collection != c {
				continue
			}
			select {
			case s.wake <- struct{}{}:
			default:
			}
			break
		}
	}
}

// closeAll stops every subscription.
func (f *feed) closeAll() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[uint64]*subscription)
	f.mu.Unlock()
	for _, s := range subs {
		s.cancel()
		<-s.done
	}
}
