package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mkarpov/booksync/internal/logger"
)

// Stable error codes so callers can tell a dead credential from a flaky network
const (
	CodeInvalidGrant = "invalid_grant" // provider rejected the code or refresh token
	CodeUnauthorized = "unauthorized"  // client credentials rejected
	CodeMalformed    = "malformed"     // response could not be decoded
	CodeUnavailable  = "unavailable"   // network failure or 5xx
)

const requestTimeout = 10 * time.Second

type Error struct {
	Code string

	// Provider supplied detail, if any
	Detail string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("code: %s, detail: %s, error: %v", e.Code, e.Detail, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(code string, detail string, err error) *Error {
	return &Error{Code: code, Detail: detail, Err: err}
}

// TokenResponse is the provider token endpoint payload for both the
// authorization_code and refresh_token grants. The refresh token lifetime
// field follows the accounting platform's wire name.
type TokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	TokenType             string `json:"token_type"`
	ExpiresIn             int    `json:"expires_in"`
	RefreshTokenExpiresIn int    `json:"x_refresh_token_expires_in"`
	IDToken               string `json:"id_token,omitempty"`
}

type Config struct {
	ClientID     string
	ClientSecret string

	// Provider endpoints
	AuthURL   string
	TokenURL  string
	RevokeURL string

	// Scope requested on authorization
	Scope string
}

// Client talks to the accounting platform's OAuth2 endpoints: the redirect
// based authorization URL, the token endpoint (code exchange and refresh)
// and the revoke endpoint. Client auth is HTTP Basic, bodies form-encoded.
type Client struct {
	cfg    Config
	client *http.Client
	logger logger.Logger
}

func NewClient(cfg Config, l logger.Logger) *Client {
	if l == nil {
		l = logger.NewNoOpLogger()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{},
		logger: l,
	}
}

// Configured reports whether the client credentials are present.
// The authorization flow refuses to start without them.
func (c *Client) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

// AuthCodeURL builds the provider authorization URL the browser is sent to
func (c *Client) AuthCodeURL(state string, redirectURI string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", c.cfg.Scope)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)

	return c.cfg.AuthURL + "?" + q.Encode()
}

// Exchange trades an authorization code for the initial token pair.
// redirectURI must be exactly the one the authorization URL was built with,
// the provider rejects the exchange otherwise.
func (c *Client) Exchange(ctx context.Context, code string, redirectURI string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	return c.token(ctx, form)
}

// Refresh trades a refresh token for a new token pair
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	return c.token(ctx, form)
}

// Revoke invalidates the refresh token (and its access tokens) at the provider
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body := strings.NewReader(url.Values{"token": {refreshToken}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RevokeURL, body)
	if err != nil {
		return NewError(CodeUnavailable, "", fmt.Errorf("failed to create request: %w", err))
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return NewError(CodeUnavailable, "", fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	// Providers answer revocation with 200 or empty 204
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	return c.processFailure(resp)
}

func (c *Client) token(ctx context.Context, form url.Values) (TokenResponse, error) {
	var tr TokenResponse

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tr, NewError(CodeUnavailable, "", fmt.Errorf("failed to create request: %w", err))
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return tr, NewError(CodeUnavailable, "", fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return tr, c.processFailure(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		c.logger.Warn("Failed to decode token response", "error", err)
		return tr, NewError(CodeMalformed, "", fmt.Errorf("failed to decode response: %w", err))
	}
	if tr.AccessToken == "" {
		return tr, NewError(CodeMalformed, "", fmt.Errorf("token response has no access_token"))
	}

	c.logger.Debug("Token endpoint response", "grant_type", form.Get("grant_type"), "expires_in", tr.ExpiresIn)
	return tr, nil
}

// processFailure maps a non-200 provider answer to a typed error
func (c *Client) processFailure(resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	var detail struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	_ = json.Unmarshal(raw, &detail)

	msg := strings.TrimSpace(detail.Error + " " + detail.Description)
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	c.logger.Warn("Provider call failed", "status_code", resp.StatusCode, "detail", msg)

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return NewError(CodeInvalidGrant, msg, fmt.Errorf("provider rejected grant: status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized:
		return NewError(CodeUnauthorized, msg, fmt.Errorf("client credentials rejected: status %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusInternalServerError:
		return NewError(CodeUnavailable, msg, fmt.Errorf("provider unavailable: status %d", resp.StatusCode))
	default:
		return NewError(CodeMalformed, msg, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// IdentitySubject extracts the subject claim from an OpenID id_token without
// verifying the signature. Observability only, never used for authorization.
func IdentitySubject(idToken string) (string, error) {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return "", fmt.Errorf("failed to parse id_token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("id_token has no subject: %w", err)
	}
	return sub, nil
}
