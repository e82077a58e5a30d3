package connection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkarpov/booksync/internal/apperrors"
	"github.com/mkarpov/booksync/internal/metrics"
	"github.com/mkarpov/booksync/internal/models"
	"github.com/mkarpov/booksync/internal/provider"
)

// Outcome tags every possible result of the provider callback so call sites
// handle each case explicitly instead of probing fields.
type Outcome int

const (
	OutcomeConnected Outcome = iota
	OutcomeAuthDenied
	OutcomeMalformed
	OutcomeInvalidState
	OutcomeExchangeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeAuthDenied:
		return "auth_denied"
	case OutcomeMalformed:
		return "malformed_callback"
	case OutcomeInvalidState:
		return "invalid_or_expired_state"
	case OutcomeExchangeFailed:
		return "exchange_failed"
	default:
		return "unknown"
	}
}

type CallbackParams struct {
	Code    string
	State   string
	RealmID string

	// Error query parameter the provider redirected back with, if any
	ProviderError string
}

type CallbackResult struct {
	Outcome Outcome
	RealmID string

	// Provider supplied detail for denied or failed outcomes
	Detail string
}

// AuthorizationURL starts the handshake: issues a single-use anti-forgery
// state bound to the configured redirect URI and returns the provider URL
// the browser should be sent to.
func (s *Service) AuthorizationURL(ctx context.Context) (string, string, error) {
	if !s.provider.Configured() || s.redirectURI == "" {
		return "", "", apperrors.ErrNotConfigured
	}

	// Opportunistic sweep keeps the state store bounded without a timer
	if err := s.states.PurgeExpired(ctx); err != nil {
		s.logger.Warn("Failed to purge expired states", "error", err)
	}

	state, err := randomState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	err = s.states.Save(ctx, models.AuthState{
		State:       state,
		RedirectURI: s.redirectURI,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to store state: %w", err)
	}

	return s.provider.AuthCodeURL(state, s.redirectURI), state, nil
}

// HandleCallback validates the provider redirect, exchanges the code and
// stores the initial token pair for the realm. The returned error is only
// for infrastructure faults; every protocol-level result is an Outcome.
func (s *Service) HandleCallback(ctx context.Context, p CallbackParams) (CallbackResult, error) {
	if p.ProviderError != "" {
		s.logger.Warn("Authorization denied by provider", "error", p.ProviderError, "realm_id", p.RealmID)
		return CallbackResult{Outcome: OutcomeAuthDenied, RealmID: p.RealmID, Detail: p.ProviderError}, nil
	}

	if p.Code == "" || p.State == "" || p.RealmID == "" {
		return CallbackResult{Outcome: OutcomeMalformed, RealmID: p.RealmID}, nil
	}

	// Consuming the state is the CSRF defense: a callback the service did not
	// itself initiate has no state to present, and a replayed one finds it gone
	authState, err := s.states.Consume(ctx, p.State)
	switch {
	case errors.Is(err, apperrors.ErrStateNotFound):
		return CallbackResult{Outcome: OutcomeInvalidState, RealmID: p.RealmID}, nil
	case err != nil:
		return CallbackResult{}, fmt.Errorf("failed to consume state: %w", err)
	}

	// The exchange must present the redirect URI recorded with the state, not
	// whatever the config says now
	tr, err := s.provider.Exchange(ctx, p.Code, authState.RedirectURI)
	if err != nil {
		s.metrics.CodeExchanges.WithLabelValues(metrics.ResultFailed).Inc()
		s.logger.Error("Code exchange failed", "realm_id", p.RealmID, "error", err)

		detail := ""
		var perr *provider.Error
		if errors.As(err, &perr) {
			detail = perr.Detail
		}
		return CallbackResult{Outcome: OutcomeExchangeFailed, RealmID: p.RealmID, Detail: detail}, nil
	}

	conn, err := s.conns.Save(ctx, s.newConnection(p.RealmID, tr))
	if err != nil {
		return CallbackResult{}, fmt.Errorf("failed to store connection: %w", err)
	}

	s.metrics.CodeExchanges.WithLabelValues(metrics.ResultOK).Inc()

	log := s.logger.With("realm_id", conn.RealmID, "environment", conn.Environment)
	if tr.IDToken != "" {
		if sub, err := provider.IdentitySubject(tr.IDToken); err == nil {
			log = log.With("subject", sub)
		}
	}
	log.Info("Realm connected", "access_expires_at", conn.AccessExpiresAt)

	return CallbackResult{Outcome: OutcomeConnected, RealmID: conn.RealmID}, nil
}

// newConnection converts the provider's relative lifetimes to absolute expiries
func (s *Service) newConnection(realmID string, tr provider.TokenResponse) models.Connection {
	now := s.now()

	refreshTTL := defaultRefreshTokenTTL
	if tr.RefreshTokenExpiresIn > 0 {
		refreshTTL = time.Duration(tr.RefreshTokenExpiresIn) * time.Second
	}

	return models.Connection{
		ID:               uuid.New(),
		RealmID:          realmID,
		AccessToken:      tr.AccessToken,
		RefreshToken:     tr.RefreshToken,
		AccessExpiresAt:  now.Add(time.Duration(tr.ExpiresIn) * time.Second),
		RefreshExpiresAt: now.Add(refreshTTL),
		Environment:      s.environment,
		UpdatedAt:        now,
	}
}

func randomState() (string, error) {
	buf := make([]byte, stateEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
