package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

type mapCache struct {
	mu sync.Mutex
	m  map[string]domain.Market
}

func (c *mapCache) Set(_ context.Context, m domain.Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[m.ID] = m
	return nil
}

func (c *mapCache) Get(_ context.Context, id string) (domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.m[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (c *mapCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
	return nil
}

type countingUpstream struct {
	calls  int
	market domain.Market
}

func (u *countingUpstream) Get(_ context.Context, id string) (domain.Market, error) {
	u.calls++
	if id != u.market.ID {
		return domain.Market{}, domain.ErrNotFound
	}
	return u.market, nil
}

func TestCatalogLayers(t *testing.T) {
	ctx := context.Background()
	cache := &mapCache{m: map[string]domain.Market{}}
	remote := testMarket()
	remote.ID = "remote"
	up := &countingUpstream{market: remote}

	c, err := NewCatalogService([]domain.Market{testMarket()}, cache, up, discardLogger())
	require.NoError(t, err)

	m, err := c.Get(ctx, "will-it-rain")
	require.NoError(t, err)
	assert.Equal(t, "Yes", m.Side1Label)
	assert.Equal(t, 0, up.calls)

	_, err = c.Get(ctx, "remote")
	require.NoError(t, err)
	_, err = c.Get(ctx, "remote")
	require.NoError(t, err)
	assert.Equal(t, 1, up.calls)

	require.NoError(t, c.Refresh(ctx, "remote"))
	_, err = c.Get(ctx, "remote")
	require.NoError(t, err)
	assert.Equal(t, 2, up.calls)

	_, err = c.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCatalogRejectsInvalidMarkets(t *testing.T) {
	bad := testMarket()
	bad.BondAmount = decimal.Zero
	_, err := NewCatalogService([]domain.Market{bad}, nil, nil, discardLogger())
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = NewCatalogService([]domain.Market{testMarket(), testMarket()}, nil, nil, discardLogger())
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	up := &countingUpstream{market: domain.Market{ID: "x", Side1Label: "A", Side2Label: "A", ResolutionWindowHours: 1, BondAmount: decimal.NewFromInt(1)}}
	c, err := NewCatalogService(nil, nil, up, discardLogger())
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "x")
	require.ErrorIs(t, err, domain.ErrValidation)
}
