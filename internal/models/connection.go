package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection is the token record for one external accounting company (realm).
// At most one Connection exists per realm; saving a new one fully replaces it.
type Connection struct {
	ID      uuid.UUID
	RealmID string

	AccessToken  string
	RefreshToken string

	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time

	// Provider deployment the tokens were issued by (sandbox or production).
	// Never changes across refreshes of the same connection.
	Environment string

	UpdatedAt time.Time
}

// AccessToken as handed out to callers together with its remaining lifetime.
// ExpiresIn is computed by the issuing service's clock so callers never need
// a clock of their own.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
	ExpiresIn int64 // seconds until expiry, floored at 0
}

// ConnectionStatus is a pure read used by UIs to decide whether to show
// a reconnect or refresh affordance. It never triggers a refresh.
type ConnectionStatus struct {
	Connected    bool
	ExpiresIn    int64 // seconds until access token expiry, floored at 0
	IsExpired    bool
	NeedsRefresh bool
	Environment  string
}
