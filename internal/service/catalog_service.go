package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// CatalogService resolves market metadata from configured markets first, then
// the cache, then an upstream catalog whose answers are cached.
type CatalogService struct {
	static   map[string]domain.Market
	cache    domain.MarketCache
	upstream domain.MarketCatalog
	logger   *slog.Logger
}

// NewCatalogService creates a CatalogService. cache and upstream may be nil.
// Configured markets that fail validation are rejected.
func NewCatalogService(
	static []domain.Market,
	cache domain.MarketCache,
	upstream domain.MarketCatalog,
	logger *slog.Logger,
) (*CatalogService, error) {
	byID := make(map[string]domain.Market, len(static))
	for _, m := range static {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("catalog: market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		byID[m.ID] = m
	}
	return &CatalogService{
		static:   byID,
		cache:    cache,
		upstream: upstream,
		logger:   logger.With(slog.String("component", "catalog")),
	}, nil
}

// Get implements domain.MarketCatalog.
func (c *CatalogService) Get(ctx context.Context, marketID string) (domain.Market, error) {
	if m, ok := c.static[marketID]; ok {
		return m, nil
	}

	if c.cache != nil {
		m, err := c.cache.Get(ctx, marketID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.WarnContext(ctx, "catalog cache get failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}

	if c.upstream == nil {
		return domain.Market{}, fmt.Errorf("catalog: market %s: %w", marketID, domain.ErrNotFound)
	}
	m, err := c.upstream.Get(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("catalog: market %s: %w", marketID, err)
	}
	if err := m.Validate(); err != nil {
		return domain.Market{}, fmt.Errorf("catalog: upstream: %w", err)
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, m); err != nil {
			c.logger.WarnContext(ctx, "catalog cache set failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

// Refresh drops the cached copy of a market so the next Get refetches it.
func (c *CatalogService) Refresh(ctx context.Context, marketID string) error {
	if c.cache == nil {
		return nil
	}
	if err := c.cache.Invalidate(ctx, marketID); err != nil {
		return fmt.Errorf("catalog: refresh %s: %w", marketID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCatalog = (*CatalogService)(nil)
