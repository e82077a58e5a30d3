package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mkarpov/booksync/internal/apperrors"
	"github.com/mkarpov/booksync/internal/models"
)

// DBTX is what the repo needs from pgx: a pool, a connection or a transaction
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ConnectionRepo stores token records in postgres so connections survive
// process restarts. One row per realm, enforced by the realm_id unique index.
type ConnectionRepo struct {
	DB DBTX
}

const saveConnection = `-- name: Save connection, replacing the record for the realm if any
INSERT INTO connections (id, realm_id, access_token, refresh_token, access_expires_at, refresh_expires_at, environment, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (realm_id) DO UPDATE
SET access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    access_expires_at = EXCLUDED.access_expires_at,
    refresh_expires_at = EXCLUDED.refresh_expires_at,
    environment = EXCLUDED.environment,
    updated_at = EXCLUDED.updated_at
RETURNING id, realm_id, access_token, refresh_token, access_expires_at, refresh_expires_at, environment, updated_at
`

// Save connection. Replaces the existing record for the realm if any.
// One statement: a failed INSERT would poison a surrounding transaction, so
// the conflict must be resolved inside it. The row id is kept on replace,
// every other column is overwritten.
func (r *ConnectionRepo) Save(ctx context.Context, conn models.Connection) (models.Connection, error) {
	rows, _ := r.DB.Query(ctx, saveConnection,
		conn.ID, conn.RealmID, conn.AccessToken, conn.RefreshToken,
		conn.AccessExpiresAt, conn.RefreshExpiresAt, conn.Environment, conn.UpdatedAt,
	)
	saved, err := pgx.CollectOneRow(rows, rowToConnection)
	if err != nil {
		return saved, fmt.Errorf("db error: %w", err)
	}
	return saved, nil
}

const getConnection = `-- name: Get connection by realm id
SELECT id, realm_id, access_token, refresh_token, access_expires_at, refresh_expires_at, environment, updated_at
FROM connections
WHERE realm_id = $1
`

func (r *ConnectionRepo) Get(ctx context.Context, realmID string) (models.Connection, error) {
	rows, _ := r.DB.Query(ctx, getConnection, realmID)
	conn, err := pgx.CollectOneRow(rows, rowToConnection)

	switch {
	case err == nil:
		return conn, nil
	case errors.Is(err, pgx.ErrNoRows):
		return conn, fmt.Errorf("repo error: %w", apperrors.ErrNotConnected)
	default:
		return conn, fmt.Errorf("db error: %w", err)
	}
}

const deleteConnection = `-- name: Delete connection by realm id
DELETE FROM connections
WHERE realm_id = $1
`

// Delete connection. Idempotent: deleting a missing record is not an error
func (r *ConnectionRepo) Delete(ctx context.Context, realmID string) error {
	_, err := r.DB.Exec(ctx, deleteConnection, realmID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const listConnections = `-- name: List connections
SELECT id, realm_id, access_token, refresh_token, access_expires_at, refresh_expires_at, environment, updated_at
FROM connections
ORDER BY updated_at DESC
`

func (r *ConnectionRepo) List(ctx context.Context) ([]models.Connection, error) {
	rows, _ := r.DB.Query(ctx, listConnections)
	conns, err := pgx.CollectRows(rows, rowToConnection)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return conns, nil
}

func rowToConnection(row pgx.CollectableRow) (models.Connection, error) {
	var c models.Connection
	err := row.Scan(
		&c.ID, &c.RealmID, &c.AccessToken, &c.RefreshToken,
		&c.AccessExpiresAt, &c.RefreshExpiresAt, &c.Environment, &c.UpdatedAt,
	)
	return c, err
}
