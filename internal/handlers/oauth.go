package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/mkarpov/booksync/internal/apperrors"
	"github.com/mkarpov/booksync/internal/handlers/render"
	"github.com/mkarpov/booksync/internal/logger"
	"github.com/mkarpov/booksync/internal/models"
	"github.com/mkarpov/booksync/internal/service/connection"
)

// connectionService is everything the OAuth endpoints need from the core
type connectionService interface {
	AuthorizationURL(ctx context.Context) (string, string, error)
	HandleCallback(ctx context.Context, p connection.CallbackParams) (connection.CallbackResult, error)
	GetValidAccessToken(ctx context.Context, realmID string) (models.AccessToken, error)
	Refresh(ctx context.Context, realmID string) (models.AccessToken, error)
	Revoke(ctx context.Context, realmID string) error
	Status(ctx context.Context, realmID string) models.ConnectionStatus
}

type OAuthHandler struct {
	connections connectionService

	// Browser is sent back here after the provider callback
	frontendURL string

	logger logger.Logger
}

func NewOAuth(connections connectionService, frontendURL string, l logger.Logger) *OAuthHandler {
	if l == nil {
		l = logger.NewNoOpLogger()
	}
	return &OAuthHandler{connections: connections, frontendURL: frontendURL, logger: l}
}

func (h *OAuthHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", h.authorize)
	mux.HandleFunc("GET /callback", h.callback)
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("POST /refresh", h.refresh)
	mux.HandleFunc("GET /token", h.token)
	mux.HandleFunc("POST /revoke", h.revoke)

	return mux
}

func (h *OAuthHandler) authorize(w http.ResponseWriter, r *http.Request) {
	type AuthorizeResponse struct {
		Success bool   `json:"success"`
		AuthURL string `json:"authUrl"`
		State   string `json:"state"`
	}

	authURL, state, err := h.connections.AuthorizationURL(r.Context())
	if err != nil {
		h.logger.Error("Failed to build authorization URL", "error", err)
		switch {
		case errors.Is(err, apperrors.ErrNotConfigured):
			render.Error(w, "OAuth client is not configured", http.StatusInternalServerError)
		default:
			render.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	render.JSON(w, AuthorizeResponse{Success: true, AuthURL: authURL, State: state})
}

// callback is the browser redirect target. It never renders JSON: the
// outcome travels back to the front-end as query parameters.
func (h *OAuthHandler) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	result, err := h.connections.HandleCallback(r.Context(), connection.CallbackParams{
		Code:          q.Get("code"),
		State:         q.Get("state"),
		RealmID:       q.Get("realmId"),
		ProviderError: q.Get("error"),
	})
	if err != nil {
		h.logger.Error("Callback processing failed", "error", err)
		h.redirectError(w, r, "server_error")
		return
	}

	if result.Outcome == connection.OutcomeConnected {
		params := url.Values{}
		params.Set("oauth_success", "true")
		params.Set("realmId", result.RealmID)
		http.Redirect(w, r, h.frontendURL+"?"+params.Encode(), http.StatusFound)
		return
	}

	h.redirectError(w, r, result.Outcome.String())
}

func (h *OAuthHandler) redirectError(w http.ResponseWriter, r *http.Request, reason string) {
	params := url.Values{}
	params.Set("oauth_error", reason)
	http.Redirect(w, r, h.frontendURL+"?"+params.Encode(), http.StatusFound)
}

func (h *OAuthHandler) status(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		Success      bool   `json:"success"`
		Connected    bool   `json:"connected"`
		ExpiresIn    int64  `json:"expiresIn"`
		NeedsRefresh bool   `json:"needsRefresh"`
		IsExpired    bool   `json:"isExpired"`
		Environment  string `json:"environment"`
	}
	type NotConnectedResponse struct {
		Success   bool   `json:"success"`
		Connected bool   `json:"connected"`
		Message   string `json:"message"`
	}

	realmID := r.URL.Query().Get("realmId")
	if realmID == "" {
		render.Error(w, "realmId query parameter is required", http.StatusBadRequest)
		return
	}

	status := h.connections.Status(r.Context(), realmID)
	if !status.Connected {
		render.JSON(w, NotConnectedResponse{Success: true, Connected: false, Message: "Realm is not connected"})
		return
	}

	render.JSON(w, StatusResponse{
		Success:      true,
		Connected:    true,
		ExpiresIn:    status.ExpiresIn,
		NeedsRefresh: status.NeedsRefresh,
		IsExpired:    status.IsExpired,
		Environment:  status.Environment,
	})
}

func (h *OAuthHandler) refresh(w http.ResponseWriter, r *http.Request) {
	type RefreshRequest struct {
		TenantID string `json:"tenantId" validate:"required"`
	}
	type RefreshSuccessResponse struct {
		Success   bool  `json:"success"`
		ExpiresIn int64 `json:"expiresIn"`
	}

	data, err := render.BindAndValidate[RefreshRequest](w, r)
	if err != nil {
		return
	}

	token, err := h.connections.Refresh(r.Context(), data.TenantID)
	if err != nil {
		writeLifecycleError(w, h.logger, err, "Refresh failed")
		return
	}

	render.JSON(w, RefreshSuccessResponse{Success: true, ExpiresIn: token.ExpiresIn})
}

func (h *OAuthHandler) token(w http.ResponseWriter, r *http.Request) {
	type TokenSuccessResponse struct {
		Success     bool   `json:"success"`
		AccessToken string `json:"accessToken"`
		ExpiresIn   int64  `json:"expiresIn"`
	}

	realmID := r.URL.Query().Get("realmId")
	if realmID == "" {
		render.Error(w, "realmId query parameter is required", http.StatusBadRequest)
		return
	}

	token, err := h.connections.GetValidAccessToken(r.Context(), realmID)
	if err != nil {
		writeLifecycleError(w, h.logger, err, "Failed to get access token")
		return
	}

	render.JSON(w, TokenSuccessResponse{Success: true, AccessToken: token.Value, ExpiresIn: token.ExpiresIn})
}

func (h *OAuthHandler) revoke(w http.ResponseWriter, r *http.Request) {
	type RevokeRequest struct {
		TenantID string `json:"tenantId" validate:"required"`
	}
	type RevokeSuccessResponse struct {
		Success bool `json:"success"`
	}

	data, err := render.BindAndValidate[RevokeRequest](w, r)
	if err != nil {
		return
	}

	if err := h.connections.Revoke(r.Context(), data.TenantID); err != nil {
		h.logger.Error("Revoke failed", "realm_id", data.TenantID, "error", err)
		render.Error(w, "Failed to disconnect realm", http.StatusInternalServerError)
		return
	}

	render.JSON(w, RevokeSuccessResponse{Success: true})
}

// writeLifecycleError maps credential lifecycle failures to status codes and
// reconnect hints. Shared by every endpoint that goes through the token store.
func writeLifecycleError(w http.ResponseWriter, l logger.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, apperrors.ErrNotConnected):
		render.ErrorDetailed(w, render.ErrorResponse{
			Error:        "Realm is not connected",
			RequiresAuth: true,
		}, http.StatusNotFound)
	case errors.Is(err, apperrors.ErrRefreshTokenExpired):
		render.ErrorDetailed(w, render.ErrorResponse{
			Error:             "Refresh token expired, please reconnect",
			RequiresReconnect: true,
		}, http.StatusUnauthorized)
	case errors.Is(err, apperrors.ErrRefreshRejected):
		render.ErrorDetailed(w, render.ErrorResponse{
			Error:             "Provider rejected stored credentials, please reconnect",
			RequiresReconnect: true,
		}, http.StatusUnauthorized)
	default:
		l.Error(fallback, "error", err)
		render.Error(w, fallback, http.StatusBadGateway)
	}
}
