package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mkarpov/booksync/internal/apperrors"
	"github.com/mkarpov/booksync/internal/models"
)

// StateRepo keeps in-flight authorization attempts in process memory.
// Entries expire after the TTL even if never consumed, which bounds the
// store size and the CSRF replay window.
type StateRepo struct {
	// mu couples lookup and delete so a state is consumable exactly once
	// even under concurrent callbacks presenting the same value
	mu    sync.Mutex
	cache *gocache.Cache
	ttl   time.Duration
}

func NewStateRepo(ttl time.Duration) *StateRepo {
	return &StateRepo{
		cache: gocache.New(ttl, time.Minute),
		ttl:   ttl,
	}
}

func (r *StateRepo) Save(_ context.Context, state models.AuthState) error {
	if state.State == "" {
		return fmt.Errorf("state value must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache.Set(state.State, state, gocache.DefaultExpiration)
	return nil
}

func (r *StateRepo) Consume(_ context.Context, state string) (models.AuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.cache.Get(state)
	if !ok {
		return models.AuthState{}, fmt.Errorf("repo error: %w", apperrors.ErrStateNotFound)
	}
	r.cache.Delete(state)

	return v.(models.AuthState), nil
}

func (r *StateRepo) PurgeExpired(_ context.Context) error {
	r.cache.DeleteExpired()
	return nil
}
