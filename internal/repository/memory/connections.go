package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mkarpov/booksync/internal/apperrors"
	"github.com/mkarpov/booksync/internal/models"
)

// ConnectionRepo keeps token records in process memory, one per realm.
// Used when no database is configured; records live until the process stops.
type ConnectionRepo struct {
	mu    sync.RWMutex
	conns map[string]models.Connection
}

func NewConnectionRepo() *ConnectionRepo {
	return &ConnectionRepo{
		conns: make(map[string]models.Connection),
	}
}

func (r *ConnectionRepo) Save(_ context.Context, conn models.Connection) (models.Connection, error) {
	if conn.RealmID == "" {
		return models.Connection{}, fmt.Errorf("realm id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn.RealmID] = conn
	return conn, nil
}

func (r *ConnectionRepo) Get(_ context.Context, realmID string) (models.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[realmID]
	if !ok {
		return models.Connection{}, fmt.Errorf("repo error: %w", apperrors.ErrNotConnected)
	}
	return conn, nil
}

func (r *ConnectionRepo) Delete(_ context.Context, realmID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, realmID)
	return nil
}

func (r *ConnectionRepo) List(_ context.Context) ([]models.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]models.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns, nil
}
