package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

type recordingSender struct {
	name   string
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersByTransitionType(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"market_final", " event_approved "}, discardLogger())
	ctx := context.Background()

	require.NoError(t, n.OnTransition(ctx, domain.Transition{Type: domain.TransitionProposalSubmitted, MarketID: "m1"}))
	require.NoError(t, n.OnTransition(ctx, domain.Transition{Type: domain.TransitionMarketFinal, MarketID: "m1"}))
	require.NoError(t, n.OnTransition(ctx, domain.Transition{Type: domain.TransitionEventApproved, MarketID: "m1"}))

	assert.Equal(t, []string{"Market m1: market final", "Market m1: event approved"}, s.titles)
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.OnTransition(context.Background(), domain.Transition{Type: domain.TransitionMarketFinal, MarketID: "m1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.titles, 1)
}

func TestFormat(t *testing.T) {
	deadline := time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC)
	title, msg := Format(domain.Transition{
		Type:     domain.TransitionWindowOpened,
		MarketID: "m1",
		State: domain.MarketState{
			State:                 domain.StateApproved,
			CurrentProposal:       &domain.ResolutionEvent{ProposedResult: "Yes", Status: domain.StatusApproved},
			DisputeWindowDeadline: &deadline,
			DisputeCount:          1,
		},
	})
	assert.Equal(t, "Market m1: window opened", title)
	assert.Contains(t, msg, "result: Yes (approved)")
	assert.Contains(t, msg, "dispute window closes: 2026-01-02 15:04 UTC")
	assert.Contains(t, msg, "disputes: 1/2")
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42", srv.URL)
	require.NoError(t, s.Send(context.Background(), "T", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*T*\nbody", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "T", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}
