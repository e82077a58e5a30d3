package books

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mkarpov/booksync/internal/logger"
	"github.com/mkarpov/booksync/internal/models"
)

const requestTimeout = 10 * time.Second

// TokenSource hands out currently-valid access tokens. Implemented by the
// connection service; this client never caches tokens on its own.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, realmID string) (models.AccessToken, error)
}

// Purchase is one expense transaction from the accounting platform
type Purchase struct {
	ID          string          `json:"id"`
	TxnDate     string          `json:"txnDate"`
	PaymentType string          `json:"paymentType"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        string          `json:"memo,omitempty"`
}

// Client is a thin consumer of the credential core: it asks for a valid
// token per call and queries the platform's accounting API with it.
type Client struct {
	// Platform API base, e.g. https://sandbox-quickbooks.api.intuit.com
	APIBaseURL string

	tokens TokenSource
	client *http.Client
	logger logger.Logger
}

func NewClient(apiBaseURL string, tokens TokenSource, l logger.Logger) *Client {
	if l == nil {
		l = logger.NewNoOpLogger()
	}
	return &Client{
		APIBaseURL: apiBaseURL,
		tokens:     tokens,
		client:     &http.Client{},
		logger:     l,
	}
}

// ListPurchases queries recent purchases for the realm
func (c *Client) ListPurchases(ctx context.Context, realmID string) ([]Purchase, error) {
	token, err := c.tokens.GetValidAccessToken(ctx, realmID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	query := url.Values{"query": {"select * from Purchase orderby TxnDate desc maxresults 100"}}
	endpoint := fmt.Sprintf("%s/v3/company/%s/query?%s", c.APIBaseURL, url.PathEscape(realmID), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Failed to query purchases", "status_code", resp.StatusCode, "realm_id", realmID)
		return nil, fmt.Errorf("unexpected status code %d for realm %s", resp.StatusCode, realmID)
	}

	var payload struct {
		QueryResponse struct {
			Purchase []struct {
				ID          string          `json:"Id"`
				TxnDate     string          `json:"TxnDate"`
				PaymentType string          `json:"PaymentType"`
				TotalAmt    decimal.Decimal `json:"TotalAmt"`
				PrivateNote string          `json:"PrivateNote"`
			} `json:"Purchase"`
		} `json:"QueryResponse"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	purchases := make([]Purchase, 0, len(payload.QueryResponse.Purchase))
	for _, p := range payload.QueryResponse.Purchase {
		purchases = append(purchases, Purchase{
			ID:          p.ID,
			TxnDate:     p.TxnDate,
			PaymentType: p.PaymentType,
			Amount:      p.TotalAmt,
			Memo:        p.PrivateNote,
		})
	}

	c.logger.Debug("Purchases fetched", "realm_id", realmID, "count", len(purchases))
	return purchases, nil
}
