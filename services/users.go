package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"chat-sync/models"
	"chat-sync/store"
)

const maxParallelLookups = 8

const maxUserIDLength = 128

// userIDPattern keeps ids usable as field path segments and NATS key
// tokens, and keeps the conversation key separator out of them.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateUserID rejects ids that cannot be stored or keyed safely.
func ValidateUserID(id string) error {
	if len(id) > maxUserIDLength || !userIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	return nil
}

// SaveUser upserts the user's metadata, keeping fields it does not set.
func SaveUser(ctx context.Context, st store.Store, u models.User) error {
	if err := ValidateUserID(u.ID); err != nil {
		return err
	}
	err := st.Merge(ctx, models.UsersCollection, u.ID, store.Fields{
		"id":        u.ID,
		"name":      u.Name,
		"email":     u.Email,
		"refercode": u.ReferCode,
	})
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser loads a user's metadata.
func GetUser(ctx context.Context, st store.Store, id string) (*models.User, error) {
	doc, err := st.Get(ctx, models.UsersCollection, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	var u models.User
	if err := doc.DataTo(&u); err != nil {
		return nil, err
	}
	u.ID = doc.ID
	return &u, nil
}

// UserResolver resolves participant ids to metadata, caching results for
// its own lifetime. Missing users are cached as nil; failures are not.
type UserResolver struct {
	store  store.Store
	logger *zap.Logger
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]*models.User
}

// NewUserResolver creates a resolver with an empty cache.
func NewUserResolver(st store.Store, logger *zap.Logger) *UserResolver {
	return &UserResolver{
		store:  st,
		logger: logger,
		cache:  make(map[string]*models.User),
	}
}

// Resolve returns the user's metadata, or nil when the user does not exist.
func (r *UserResolver) Resolve(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	u, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return u, nil
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		u, err := GetUser(ctx, r.store, id)
		if errors.Is(err, ErrUserNotFound) {
			u, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[id] = u
		r.mu.Unlock()
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.User), nil
}

// ResolveAll looks up the distinct ids in parallel. Every id gets an entry;
// it is nil for missing users and for lookups that failed.
func (r *UserResolver) ResolveAll(ctx context.Context, ids []string) map[string]*models.User {
	out := make(map[string]*models.User, len(ids))
	distinct := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		out[id] = nil
		distinct = append(distinct, id)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(maxParallelLookups)
	for _, id := range distinct {
		g.Go(func() error {
			u, err := r.Resolve(ctx, id)
			if err != nil {
				storeErrors.WithLabelValues("resolve_user").Inc()
				r.logger.Warn("Failed to resolve participant",
					zap.String("user_id", id),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			out[id] = u
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
