package connection

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkarpov/booksync/internal/apperrors"
	"github.com/mkarpov/booksync/internal/models"
	"github.com/mkarpov/booksync/internal/provider"
)

func refreshedResp() provider.TokenResponse {
	return provider.TokenResponse{
		AccessToken:           "at-2",
		RefreshToken:          "rt-2",
		ExpiresIn:             3600,
		RefreshTokenExpiresIn: 8726400,
	}
}

func Test_GetValidAccessToken(t *testing.T) {
	t.Parallel()

	t.Run("unknown realm", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{})

		_, err := f.service.GetValidAccessToken(t.Context(), "co-unknown")

		require.ErrorIs(t, err, apperrors.ErrNotConnected)
	})

	t.Run("fresh token returned without provider call", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{exchangeResp: defaultExchangeResp()})
		f.connect(t, "co-1")
		f.clock.Advance(100 * time.Second)

		token, err := f.service.GetValidAccessToken(t.Context(), "co-1")

		require.NoError(t, err)
		require.Equal(t, "at-1", token.Value)
		require.EqualValues(t, 3500, token.ExpiresIn, "remaining lifetime follows the service clock")
		require.Zero(t, f.provider.refreshCalls.Load(), "fresh token must not trigger a refresh")
	})

	t.Run("stale token triggers refresh", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{exchangeResp: defaultExchangeResp(), refreshResp: refreshedResp()})
		f.connect(t, "co-1")

		// 200s of lifetime left: inside the 5 minute buffer
		f.clock.Advance(3400 * time.Second)

		token, err := f.service.GetValidAccessToken(t.Context(), "co-1")

		require.NoError(t, err)
		require.Equal(t, "at-2", token.Value)
		require.EqualValues(t, 3600, token.ExpiresIn)
		require.EqualValues(t, 1, f.provider.refreshCalls.Load())

		status := f.service.Status(t.Context(), "co-1")
		require.InDelta(t, 3600, status.ExpiresIn, 1, "new token lifetime starts over")
		require.False(t, status.NeedsRefresh)
	})

	t.Run("concurrent stale callers share one refresh", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{
			exchangeResp: defaultExchangeResp(),
			refreshResp:  refreshedResp(),
			refreshDelay: 50 * time.Millisecond,
		})
		f.connect(t, "co-1")
		f.clock.Advance(3400 * time.Second)

		const n = 25
		tokens := make([]models.AccessToken, n)
		errs := make([]error, n)

		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tokens[i], errs[i] = f.service.GetValidAccessToken(t.Context(), "co-1")
			}()
		}
		wg.Wait()

		require.EqualValues(t, 1, f.provider.refreshCalls.Load(), "exactly one provider refresh for all callers")
		for i := range n {
			require.NoError(t, errs[i])
			require.Equal(t, "at-2", tokens[i].Value, "every caller observes the shared refresh result")
		}
	})

	t.Run("concurrent callers fail identically when refresh fails", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{
			exchangeResp: defaultExchangeResp(),
			refreshErr:   provider.NewError(provider.CodeUnavailable, "", errors.New("status 502")),
			refreshDelay: 50 * time.Millisecond,
		})
		f.connect(t, "co-1")
		f.clock.Advance(3400 * time.Second)

		const n = 10
		errs := make([]error, n)

		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = f.service.GetValidAccessToken(t.Context(), "co-1")
			}()
		}
		wg.Wait()

		require.EqualValues(t, 1, f.provider.refreshCalls.Load())
		for i := range n {
			require.Error(t, errs[i])
		}

		// Transient failure keeps the record: the realm is still connected
		require.True(t, f.service.Status(t.Context(), "co-1").Connected)
	})

	t.Run("different realms refresh in parallel", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{
			exchangeResp: defaultExchangeResp(),
			refreshResp:  refreshedResp(),
		})
		f.connect(t, "co-1")
		f.connect(t, "co-2")
		f.clock.Advance(3400 * time.Second)

		realms := []string{"co-1", "co-2"}
		errs := make([]error, len(realms))

		var wg sync.WaitGroup
		for i, realm := range realms {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = f.service.GetValidAccessToken(t.Context(), realm)
			}()
		}
		wg.Wait()

		for i := range realms {
			require.NoError(t, errs[i])
		}

		require.EqualValues(t, 2, f.provider.refreshCalls.Load(), "one refresh per realm, no cross-realm lock")
	})
}

func Test_Refresh(t *testing.T) {
	t.Parallel()

	t.Run("unknown realm", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{})

		_, err := f.service.Refresh(t.Context(), "co-unknown")

		require.ErrorIs(t, err, apperrors.ErrNotConnected)
	})

	t.Run("explicit refresh works on a fresh token too", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{exchangeResp: defaultExchangeResp(), refreshResp: refreshedResp()})
		f.connect(t, "co-1")

		token, err := f.service.Refresh(t.Context(), "co-1")

		require.NoError(t, err)
		require.Equal(t, "at-2", token.Value)
		require.EqualValues(t, 3600, token.ExpiresIn, "remaining lifetime follows the service clock")
		require.EqualValues(t, 1, f.provider.refreshCalls.Load())
	})

	t.Run("rotated refresh token is adopted", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{exchangeResp: defaultExchangeResp(), refreshResp: refreshedResp()})
		f.connect(t, "co-1")

		_, err := f.service.Refresh(t.Context(), "co-1")
		require.NoError(t, err)

		stored, err := f.conns.Get(t.Context(), "co-1")
		require.NoError(t, err)
		require.Equal(t, "rt-2", stored.RefreshToken)
	})

	t.Run("missing refresh token in response keeps the old one", func(t *testing.T) {
		resp := refreshedResp()
		resp.RefreshToken = ""
		resp.RefreshTokenExpiresIn = 0
		f := newFixture(t, &fakeProvider{exchangeResp: defaultExchangeResp(), refreshResp: resp})
		f.connect(t, "co-1")

		before, err := f.conns.Get(t.Context(), "co-1")
		require.NoError(t, err)

		_, err = f.service.Refresh(t.Context(), "co-1")
		require.NoError(t, err)

		stored, err := f.conns.Get(t.Context(), "co-1")
		require.NoError(t, err)
		require.Equal(t, "rt-1", stored.RefreshToken, "rotation is provider-optional")
		require.Equal(t, before.RefreshExpiresAt, stored.RefreshExpiresAt, "refresh token expiry must not silently extend")
	})

	t.Run("environment never changes across refreshes", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{exchangeResp: defaultExchangeResp(), refreshResp: refreshedResp()})
		f.connect(t, "co-1")

		_, err := f.service.Refresh(t.Context(), "co-1")
		require.NoError(t, err)

		stored, err := f.conns.Get(t.Context(), "co-1")
		require.NoError(t, err)
		require.Equal(t, "sandbox", stored.Environment)
	})

	t.Run("expired refresh token deletes the record", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{exchangeResp: defaultExchangeResp(), refreshResp: refreshedResp()})
		f.connect(t, "co-1")

		// Move past the refresh token's own lifetime
		f.clock.Advance(8726400*time.Second + time.Hour)

		_, err := f.service.Refresh(t.Context(), "co-1")

		require.ErrorIs(t, err, apperrors.ErrRefreshTokenExpired)
		require.Zero(t, f.provider.refreshCalls.Load(), "no provider call with a dead refresh token")
		require.False(t, f.service.Status(t.Context(), "co-1").Connected)
	})

	t.Run("provider rejection deletes the record", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{
			exchangeResp: defaultExchangeResp(),
			refreshErr:   provider.NewError(provider.CodeInvalidGrant, "token revoked", errors.New("status 400")),
		})
		f.connect(t, "co-1")

		_, err := f.service.Refresh(t.Context(), "co-1")

		require.ErrorIs(t, err, apperrors.ErrRefreshRejected)
		require.False(t, f.service.Status(t.Context(), "co-1").Connected)
	})

	t.Run("transient failure keeps the record", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{
			exchangeResp: defaultExchangeResp(),
			refreshErr:   provider.NewError(provider.CodeUnavailable, "", errors.New("timeout")),
		})
		f.connect(t, "co-1")

		_, err := f.service.Refresh(t.Context(), "co-1")

		require.Error(t, err)
		require.NotErrorIs(t, err, apperrors.ErrRefreshRejected)
		require.True(t, f.service.Status(t.Context(), "co-1").Connected)
	})
}

func Test_Revoke(t *testing.T) {
	t.Parallel()

	t.Run("disconnects and calls provider", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{exchangeResp: defaultExchangeResp()})
		f.connect(t, "co-1")

		require.NoError(t, f.service.Revoke(t.Context(), "co-1"))

		require.EqualValues(t, 1, f.provider.revokeCalls.Load())
		require.False(t, f.service.Status(t.Context(), "co-1").Connected)
	})

	t.Run("remote failure still disconnects locally", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{
			exchangeResp: defaultExchangeResp(),
			revokeErr:    provider.NewError(provider.CodeUnavailable, "", errors.New("timeout")),
		})
		f.connect(t, "co-1")

		require.NoError(t, f.service.Revoke(t.Context(), "co-1"))
		require.False(t, f.service.Status(t.Context(), "co-1").Connected)
	})

	t.Run("idempotent on unknown realm", func(t *testing.T) {
		f := newFixture(t, &fakeProvider{})

		require.NoError(t, f.service.Revoke(t.Context(), "co-unknown"))
		require.Zero(t, f.provider.revokeCalls.Load())
	})
}

// Full scenario from the authorization handshake through refresh
func Test_ConnectionLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeProvider{exchangeResp: defaultExchangeResp(), refreshResp: refreshedResp()})

	// authorize → callback
	f.connect(t, "co-1")

	status := f.service.Status(t.Context(), "co-1")
	require.True(t, status.Connected)
	require.InDelta(t, 3600, status.ExpiresIn, 1)

	// advance the clock until only 200s remain
	f.clock.Advance(3400 * time.Second)
	status = f.service.Status(t.Context(), "co-1")
	require.True(t, status.NeedsRefresh)
	require.False(t, status.IsExpired)

	// asking for a token refreshes transparently
	token, err := f.service.GetValidAccessToken(t.Context(), "co-1")
	require.NoError(t, err)
	require.Equal(t, "at-2", token.Value)

	status = f.service.Status(t.Context(), "co-1")
	require.InDelta(t, 3600, status.ExpiresIn, 1)
	require.False(t, status.NeedsRefresh)
}
