package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkarpov/booksync/internal/apperrors"
	"github.com/mkarpov/booksync/internal/metrics"
	"github.com/mkarpov/booksync/internal/models"
	"github.com/mkarpov/booksync/internal/provider"
)

// GetValidAccessToken returns an access token guaranteed to outlive the
// caller's own provider call. A fresh token is returned as-is; a stale one
// triggers a refresh coalesced with every other caller for the same realm.
func (s *Service) GetValidAccessToken(ctx context.Context, realmID string) (models.AccessToken, error) {
	conn, err := s.conns.Get(ctx, realmID)
	if err != nil {
		return models.AccessToken{}, err
	}

	if s.fresh(conn) {
		return s.accessToken(conn), nil
	}

	conn, err = s.coalescedRefresh(ctx, realmID, false)
	if err != nil {
		return models.AccessToken{}, err
	}
	return s.accessToken(conn), nil
}

// Refresh refreshes the realm's tokens right now, regardless of freshness,
// and returns the new access token. Shares the same pending operation as
// GetValidAccessToken, so the two paths can never race the provider for
// one realm.
func (s *Service) Refresh(ctx context.Context, realmID string) (models.AccessToken, error) {
	conn, err := s.coalescedRefresh(ctx, realmID, true)
	if err != nil {
		return models.AccessToken{}, err
	}
	return s.accessToken(conn), nil
}

// Revoke disconnects the realm. The remote revoke call is best effort: its
// failure is logged but local deletion always proceeds, so the realm is
// disconnected even when the provider is unreachable. Idempotent.
func (s *Service) Revoke(ctx context.Context, realmID string) error {
	conn, err := s.conns.Get(ctx, realmID)
	switch {
	case errors.Is(err, apperrors.ErrNotConnected):
		return nil
	case err != nil:
		return err
	}

	if err := s.provider.Revoke(ctx, conn.RefreshToken); err != nil {
		s.metrics.Revokes.WithLabelValues(metrics.ResultFailed).Inc()
		s.logger.Warn("Remote revoke failed, disconnecting locally anyway", "realm_id", realmID, "error", err)
	} else {
		s.metrics.Revokes.WithLabelValues(metrics.ResultOK).Inc()
	}

	if err := s.conns.Delete(ctx, realmID); err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	s.logger.Info("Realm disconnected", "realm_id", realmID)
	return nil
}

// coalescedRefresh funnels every refresh for a realm through one pending
// operation. The first caller runs the provider call; concurrent callers
// attach to it and observe the same result. force skips the freshness
// double-check used by the lazy path.
func (s *Service) coalescedRefresh(ctx context.Context, realmID string, force bool) (models.Connection, error) {
	v, err, _ := s.refreshGroup.Do(realmID, func() (any, error) {
		// The outcome is shared by every attached caller, so the operation
		// must not die with the first caller's request
		ctx := context.WithoutCancel(ctx)

		conn, err := s.conns.Get(ctx, realmID)
		if err != nil {
			return models.Connection{}, err
		}

		// A caller that queued behind a finished refresh sees a fresh record
		// and must not refresh again
		if !force && s.fresh(conn) {
			return conn, nil
		}

		return s.refresh(ctx, conn)
	})
	if err != nil {
		return models.Connection{}, err
	}
	return v.(models.Connection), nil
}

// refresh performs the actual provider call and replaces the stored record.
// Caller must hold the realm's singleflight slot.
func (s *Service) refresh(ctx context.Context, conn models.Connection) (models.Connection, error) {
	now := s.now()

	// A dead refresh token cannot be used; drop the record so status reports
	// disconnected and the caller restarts the authorization flow
	if !now.Before(conn.RefreshExpiresAt) {
		if err := s.conns.Delete(ctx, conn.RealmID); err != nil {
			s.logger.Error("Failed to delete connection with expired refresh token", "realm_id", conn.RealmID, "error", err)
		}
		return models.Connection{}, apperrors.ErrRefreshTokenExpired
	}

	s.metrics.RefreshInflight.Inc()
	defer s.metrics.RefreshInflight.Dec()

	tr, err := s.provider.Refresh(ctx, conn.RefreshToken)
	if err != nil {
		s.metrics.Refreshes.WithLabelValues(metrics.ResultFailed).Inc()

		var perr *provider.Error
		if errors.As(err, &perr) && (perr.Code == provider.CodeInvalidGrant || perr.Code == provider.CodeUnauthorized) {
			// Provider invalidated the credentials: the record is useless now
			if derr := s.conns.Delete(ctx, conn.RealmID); derr != nil {
				s.logger.Error("Failed to delete rejected connection", "realm_id", conn.RealmID, "error", derr)
			}
			s.logger.Warn("Refresh rejected by provider", "realm_id", conn.RealmID, "detail", perr.Detail)
			return models.Connection{}, fmt.Errorf("%w: %s", apperrors.ErrRefreshRejected, perr.Detail)
		}

		// Transient failure: keep the record, let the caller decide on retry
		return models.Connection{}, fmt.Errorf("refresh failed: %w", err)
	}

	updated := conn
	updated.AccessToken = tr.AccessToken
	updated.AccessExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	updated.UpdatedAt = now

	// Refresh token rotation is provider-optional: adopt the new one when
	// issued, keep the previous otherwise
	if tr.RefreshToken != "" {
		updated.RefreshToken = tr.RefreshToken
	}
	if tr.RefreshTokenExpiresIn > 0 {
		updated.RefreshExpiresAt = now.Add(time.Duration(tr.RefreshTokenExpiresIn) * time.Second)
	}

	updated, err = s.conns.Save(ctx, updated)
	if err != nil {
		s.metrics.Refreshes.WithLabelValues(metrics.ResultFailed).Inc()
		return models.Connection{}, fmt.Errorf("failed to store refreshed connection: %w", err)
	}

	s.metrics.Refreshes.WithLabelValues(metrics.ResultOK).Inc()
	s.logger.Info("Tokens refreshed", "realm_id", conn.RealmID, "access_expires_at", updated.AccessExpiresAt)
	return updated, nil
}
