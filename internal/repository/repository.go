package repository

import (
	"context"

	"github.com/mkarpov/booksync/internal/models"
)

// ConnectionRepo stores one token record per realm.
// Save fully replaces any previous record for the same realm.
type ConnectionRepo interface {
	// Save connection. Replaces existing record for the realm if any
	Save(ctx context.Context, conn models.Connection) (models.Connection, error)

	// Get connection by realm id
	// Has to return apperrors.ErrNotConnected if no record exists
	Get(ctx context.Context, realmID string) (models.Connection, error)

	// Delete connection. Must be idempotent: deleting a missing record is not an error
	Delete(ctx context.Context, realmID string) error

	// List all stored connections
	List(ctx context.Context) ([]models.Connection, error)
}

// StateRepo stores in-flight authorization attempts keyed by the anti-forgery
// state value. Records live at most the configured TTL.
type StateRepo interface {
	Save(ctx context.Context, state models.AuthState) error

	// Consume atomically looks up and deletes the state.
	// Has to return apperrors.ErrStateNotFound if the state is unknown,
	// already consumed or expired. A state is consumable exactly once.
	Consume(ctx context.Context, state string) (models.AuthState, error)

	// PurgeExpired drops expired records. Safe to call at any time
	PurgeExpired(ctx context.Context) error
}
