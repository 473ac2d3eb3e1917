package polymarket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

func newGammaServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /markets/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.PathValue("id") {
		case "binary":
			_, _ = w.Write([]byte(`{"id":"binary","question":"Will it rain?","active":"true","outcomes":"[\"Yes\",\"No\"]"}`))
		case "tokens":
			_, _ = w.Write([]byte(`{"id":"tokens","active":true,"tokens":[{"token_id":"1","outcome":"Up"},{"token_id":"2","outcome":"Down"}]}`))
		case "multi":
			_, _ = w.Write([]byte(`{"id":"multi","outcomes":"[\"A\",\"B\",\"C\"]"}`))
		default:
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGammaCatalogGet(t *testing.T) {
	srv := newGammaServer(t)
	cat := NewGammaCatalog(GammaConfig{BaseURL: srv.URL, DefaultWindowHours: 24, DefaultBond: decimal.NewFromInt(100)})
	ctx := context.Background()

	m, err := cat.Get(ctx, "binary")
	require.NoError(t, err)
	assert.Equal(t, "Yes", m.Side1Label)
	assert.Equal(t, "No", m.Side2Label)
	assert.Equal(t, 24, m.ResolutionWindowHours)
	assert.True(t, m.BondAmount.Equal(decimal.NewFromInt(100)))

	m, err = cat.Get(ctx, "tokens")
	require.NoError(t, err)
	assert.Equal(t, "Up", m.Side1Label)
	assert.Equal(t, "Down", m.Side2Label)

	_, err = cat.Get(ctx, "multi")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = cat.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFlexBool(t *testing.T) {
	var f flexBool
	require.NoError(t, f.UnmarshalJSON([]byte(`"true"`)))
	assert.True(t, bool(f))
	require.NoError(t, f.UnmarshalJSON([]byte(`false`)))
	assert.False(t, bool(f))
}
