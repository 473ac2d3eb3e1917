// Package ledger is an HTTP client for an external bond ledger service.
//
// Endpoints:
//
//	POST /escrows                  {user_id, amount, market_id, event_id}
//	POST /escrows/{event_id}/release {outcome}
package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Config configures the ledger client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
}

// Client implements domain.Ledger over HTTP.
type Client struct {
	http *resty.Client
}

type escrowRequest struct {
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	MarketID string          `json:"market_id"`
	EventID  string          `json:"event_id"`
}

type releaseRequest struct {
	Outcome domain.BondOutcome `json:"outcome"`
}

// New creates a ledger client. Retries apply to transport errors and 5xx
// responses only; the service treats a repeated escrow for the same event id
// as idempotent.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Client{http: client}
}

// Escrow reserves amount from userID for eventID.
func (c *Client) Escrow(ctx context.Context, userID string, amount decimal.Decimal, marketID, eventID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(escrowRequest{UserID: userID, Amount: amount, MarketID: marketID, EventID: eventID}).
		Post("/escrows")
	if err != nil {
		return fmt.Errorf("ledger: escrow %s: %w", eventID, err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("ledger: escrow %s: %w", eventID, err)
	}
	return nil
}

// Release signals the outcome for eventID's bond.
func (c *Client) Release(ctx context.Context, eventID string, outcome domain.BondOutcome) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(releaseRequest{Outcome: outcome}).
		Post("/escrows/" + url.PathEscape(eventID) + "/release")
	if err != nil {
		return fmt.Errorf("ledger: release %s: %w", eventID, err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("ledger: release %s: %w", eventID, err)
	}
	return nil
}

func checkStatus(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, resp.Body())
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, resp.Body())
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, resp.Body())
	default:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), resp.Body())
	}
}

// Compile-time interface check.
var _ domain.Ledger = (*Client)(nil)
