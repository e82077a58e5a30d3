package connection

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mkarpov/booksync/internal/apperrors"
	"github.com/mkarpov/booksync/internal/logger"
	"github.com/mkarpov/booksync/internal/metrics"
	"github.com/mkarpov/booksync/internal/models"
	"github.com/mkarpov/booksync/internal/provider"
	"github.com/mkarpov/booksync/internal/repository"
)

const (
	// Anti-forgery states die after this TTL whether consumed or not
	stateTTL = 10 * time.Minute

	// A token is treated as stale this long before its recorded expiry, so a
	// token handed to a caller stays valid for the caller's own provider call
	refreshBuffer = 5 * time.Minute

	// Entropy of the state value in bytes, hex encoded on the wire
	stateEntropyBytes = 32

	// Refresh token lifetime to assume when the provider omits its own figure
	defaultRefreshTokenTTL = 100 * 24 * time.Hour
)

// providerClient is what the service needs from the OAuth provider
type providerClient interface {
	Configured() bool
	AuthCodeURL(state string, redirectURI string) string
	Exchange(ctx context.Context, code string, redirectURI string) (provider.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (provider.TokenResponse, error)
	Revoke(ctx context.Context, refreshToken string) error
}

type Config struct {
	// Callback URL registered with the provider
	RedirectURI string

	// Provider deployment new connections are stamped with (sandbox, production)
	Environment string

	// Clock override for tests. Defaults to time.Now
	Now func() time.Time
}

// Service owns the credential lifecycle for every connected realm: the
// authorization-code handshake, on-demand coalesced refresh, revocation
// and the status read.
type Service struct {
	provider providerClient
	conns    repository.ConnectionRepo
	states   repository.StateRepo

	redirectURI string
	environment string

	logger  logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// One in-flight refresh per realm. Late arrivals attach to the pending
	// operation instead of racing the provider with a second network call.
	refreshGroup singleflight.Group
}

func NewService(
	cfg Config,
	providerClient providerClient,
	conns repository.ConnectionRepo,
	states repository.StateRepo,
	l logger.Logger,
	m *metrics.Metrics,
) (*Service, error) {
	if providerClient == nil {
		return nil, errors.New("provider client must not be nil")
	}
	if conns == nil || states == nil {
		return nil, errors.New("repos must not be nil")
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}
	if m == nil {
		m = metrics.New()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		provider:    providerClient,
		conns:       conns,
		states:      states,
		redirectURI: cfg.RedirectURI,
		environment: cfg.Environment,
		logger:      l,
		metrics:     m,
		now:         now,
	}, nil
}

// StateTTL is how long an issued authorization state stays valid
func StateTTL() time.Duration {
	return stateTTL
}

// Status reports the connection state for the realm. Pure read: it never
// triggers a refresh and never touches the network.
func (s *Service) Status(ctx context.Context, realmID string) models.ConnectionStatus {
	conn, err := s.conns.Get(ctx, realmID)
	if err != nil {
		// A storage fault is not the same as "never connected", but status has
		// no failure mode. Leave a trace before reporting disconnected.
		if !errors.Is(err, apperrors.ErrNotConnected) {
			s.logger.Error("Failed to read connection for status", "realm_id", realmID, "error", err)
		}
		return models.ConnectionStatus{Connected: false}
	}

	now := s.now()
	expiresIn := int64(conn.AccessExpiresAt.Sub(now).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	return models.ConnectionStatus{
		Connected:    true,
		ExpiresIn:    expiresIn,
		IsExpired:    !now.Before(conn.AccessExpiresAt),
		NeedsRefresh: !now.Before(conn.AccessExpiresAt.Add(-refreshBuffer)),
		Environment:  conn.Environment,
	}
}

// fresh reports whether the access token can be handed out without a refresh
func (s *Service) fresh(conn models.Connection) bool {
	return s.now().Before(conn.AccessExpiresAt.Add(-refreshBuffer))
}

// accessToken builds the caller-facing token with its remaining lifetime
// computed on the service clock
func (s *Service) accessToken(conn models.Connection) models.AccessToken {
	expiresIn := int64(conn.AccessExpiresAt.Sub(s.now()).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return models.AccessToken{
		Value:     conn.AccessToken,
		ExpiresAt: conn.AccessExpiresAt,
		ExpiresIn: expiresIn,
	}
}
