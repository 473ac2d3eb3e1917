// Package polymarket reads market metadata from the Polymarket Gamma API.
package polymarket

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

// GammaConfig configures the Gamma catalog.
type GammaConfig struct {
	BaseURL            string
	Timeout            time.Duration
	RetryCount         int
	DefaultWindowHours int
	DefaultBond        decimal.Decimal
}

// GammaCatalog implements domain.MarketCatalog on the Gamma REST API.
type GammaCatalog struct {
	http        *resty.Client
	windowHours int
	bond        decimal.Decimal
}

// NewGammaCatalog creates a catalog for cfg.BaseURL, e.g.
// "https://gamma-api.polymarket.com".
func NewGammaCatalog(cfg GammaConfig) *GammaCatalog {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	return &GammaCatalog{http: client, windowHours: cfg.DefaultWindowHours, bond: cfg.DefaultBond}
}

// Get fetches a single market by id.
func (g *GammaCatalog) Get(ctx context.Context, marketID string) (domain.Market, error) {
	var apiMarket APIMarket
	resp, err := g.http.R().
		SetContext(ctx).
		SetResult(&apiMarket).
		Get("/markets/" + url.PathEscape(marketID))
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: get market %s: %w", marketID, err)
	}
	if err := checkHTTPStatus(resp.StatusCode(), resp.Body()); err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: get market %s: %w", marketID, err)
	}
	m, err := apiMarket.ToDomainMarket(g.windowHours, g.bond)
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: %w", err)
	}
	return m, nil
}

// checkHTTPStatus maps non-2xx responses onto domain sentinels.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, body)
	}
}

// Compile-time interface check.
var _ domain.MarketCatalog = (*GammaCatalog)(nil)
