package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkarpov/booksync/internal/logger"
	"github.com/mkarpov/booksync/internal/models"
	"github.com/mkarpov/booksync/internal/provider"
	"github.com/mkarpov/booksync/internal/repository/memory"
)

// fakeProvider is a scriptable stand-in for the OAuth provider client
type fakeProvider struct {
	notConfigured bool

	exchangeResp provider.TokenResponse
	exchangeErr  error
	refreshResp  provider.TokenResponse
	refreshErr   error
	revokeErr    error

	// refreshDelay simulates provider latency so concurrent callers overlap
	refreshDelay time.Duration

	exchangeCalls atomic.Int64
	refreshCalls  atomic.Int64
	revokeCalls   atomic.Int64
}

func (f *fakeProvider) Configured() bool { return !f.notConfigured }

func (f *fakeProvider) AuthCodeURL(state string, redirectURI string) string {
	return "https://provider.example.com/connect/oauth2?state=" + state
}

func (f *fakeProvider) Exchange(ctx context.Context, code string, redirectURI string) (provider.TokenResponse, error) {
	f.exchangeCalls.Add(1)
	return f.exchangeResp, f.exchangeErr
}

func (f *fakeProvider) Refresh(ctx context.Context, refreshToken string) (provider.TokenResponse, error) {
	f.refreshCalls.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	return f.refreshResp, f.refreshErr
}

func (f *fakeProvider) Revoke(ctx context.Context, refreshToken string) error {
	f.revokeCalls.Add(1)
	return f.revokeErr
}

// recordingLogger captures error messages so tests can assert on them
type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Debug(msg string, args ...any) {}
func (l *recordingLogger) Info(msg string, args ...any)  {}
func (l *recordingLogger) Warn(msg string, args ...any)  {}

func (l *recordingLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) With(args ...any) logger.Logger      { return l }
func (l *recordingLogger) WithGroup(name string) logger.Logger { return l }

func (l *recordingLogger) errored() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

// failingConnRepo simulates a storage outage
type failingConnRepo struct {
	err error
}

func (r failingConnRepo) Save(ctx context.Context, conn models.Connection) (models.Connection, error) {
	return models.Connection{}, r.err
}

func (r failingConnRepo) Get(ctx context.Context, realmID string) (models.Connection, error) {
	return models.Connection{}, r.err
}

func (r failingConnRepo) Delete(ctx context.Context, realmID string) error { return r.err }

func (r failingConnRepo) List(ctx context.Context) ([]models.Connection, error) {
	return nil, r.err
}

// fakeClock lets tests advance time without sleeping
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	service  *Service
	provider *fakeProvider
	clock    *fakeClock
	conns    *memory.ConnectionRepo
	states   *memory.StateRepo
}

func newFixture(t *testing.T, p *fakeProvider) fixture {
	t.Helper()

	clock := newFakeClock()
	conns := memory.NewConnectionRepo()
	states := memory.NewStateRepo(stateTTL)

	s, err := NewService(
		Config{
			RedirectURI: "https://app.example.com/oauth/callback",
			Environment: "sandbox",
			Now:         clock.Now,
		},
		p, conns, states, nil, nil,
	)
	require.NoError(t, err)

	return fixture{service: s, provider: p, clock: clock, conns: conns, states: states}
}

// connect stores a connection via the regular callback path
func (f fixture) connect(t *testing.T, realmID string) {
	t.Helper()

	_, state, err := f.service.AuthorizationURL(t.Context())
	require.NoError(t, err)

	result, err := f.service.HandleCallback(t.Context(), CallbackParams{
		Code: "auth-code", State: state, RealmID: realmID,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeConnected, result.Outcome)
}

func defaultExchangeResp() provider.TokenResponse {
	return provider.TokenResponse{
		AccessToken:           "at-1",
		RefreshToken:          "rt-1",
		TokenType:             "bearer",
		ExpiresIn:             3600,
		RefreshTokenExpiresIn: 8726400,
	}
}

func Test_Status(t *testing.T) {
	t.Parallel()

	t.Run("unknown realm is not connected", func(t *testing.T) {
		log := &recordingLogger{}
		f := newFixture(t, &fakeProvider{})
		f.service.logger = log

		status := f.service.Status(t.Context(), "co-unknown")

		require.False(t, status.Connected)
		require.Empty(t, log.errored(), "a realm that was never connected is not an error")
	})

	t.Run("storage fault reads disconnected but leaves a trace", func(t *testing.T) {
		log := &recordingLogger{}
		s, err := NewService(
			Config{RedirectURI: "https://app.example.com/oauth/callback"},
			&fakeProvider{},
			failingConnRepo{err: errors.New("connection refused")},
			memory.NewStateRepo(stateTTL),
			log, nil,
		)
		require.NoError(t, err)

		status := s.Status(t.Context(), "co-1")

		require.False(t, status.Connected)
		require.Len(t, log.errored(), 1, "storage faults must be logged, not swallowed")
	})

	t.Run("connected realm reports lifetimes", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{exchangeResp: defaultExchangeResp()})
		f.connect(t, "co-1")

		status := f.service.Status(t.Context(), "co-1")

		require.True(t, status.Connected)
		require.InDelta(t, 3600, status.ExpiresIn, 1)
		require.False(t, status.IsExpired)
		require.False(t, status.NeedsRefresh)
		require.Equal(t, "sandbox", status.Environment)
	})

	t.Run("needs refresh inside the buffer, expired after expiry", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{exchangeResp: defaultExchangeResp()})
		f.connect(t, "co-1")

		f.clock.Advance(3400 * time.Second) // 200s of lifetime left
		status := f.service.Status(t.Context(), "co-1")
		require.True(t, status.Connected)
		require.True(t, status.NeedsRefresh)
		require.False(t, status.IsExpired)
		require.EqualValues(t, 200, status.ExpiresIn)

		f.clock.Advance(300 * time.Second)
		status = f.service.Status(t.Context(), "co-1")
		require.True(t, status.IsExpired)
		require.EqualValues(t, 0, status.ExpiresIn, "remaining lifetime is floored at zero")
	})
}
