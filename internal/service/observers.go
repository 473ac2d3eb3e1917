package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Bus channel and stream names for resolution transitions.
const (
	ResolutionChannel = "resolution"
	ResolutionStream  = "resolution-events"
)

// MarketChannel is the per-market pub/sub channel.
func MarketChannel(marketID string) string { return ResolutionChannel + ":" + marketID }

const defaultObserverTimeout = 5 * time.Second

type namedObserver struct {
	name string
	obs  domain.Observer
}

// Observers fans a transition out to every registered observer in order.
// Failures are logged and never reach the caller.
type Observers struct {
	list    []namedObserver
	timeout time.Duration
	logger  *slog.Logger
}

// NewObservers creates an empty fan-out.
func NewObservers(logger *slog.Logger) *Observers {
	return &Observers{
		timeout: defaultObserverTimeout,
		logger:  logger.With(slog.String("component", "observers")),
	}
}

// Add registers obs under name. Not safe for use after the service starts.
func (o *Observers) Add(name string, obs domain.Observer) {
	if obs == nil {
		return
	}
	o.list = append(o.list, namedObserver{name: name, obs: obs})
}

// Len returns the number of registered observers.
func (o *Observers) Len() int { return len(o.list) }

// Notify delivers t to every observer.
func (o *Observers) Notify(ctx context.Context, t domain.Transition) {
	if o == nil {
		return
	}
	for _, n := range o.list {
		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		err := n.obs.OnTransition(octx, t)
		cancel()
		if err != nil {
			o.logger.WarnContext(ctx, "observer failed",
				slog.String("observer", n.name),
				slog.String("type", string(t.Type)),
				slog.String("market_id", t.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// BusObserver publishes transitions on the signal bus: once on the market's
// channel, once on the global channel and once into the durable stream.
type BusObserver struct {
	bus domain.SignalBus
}

// NewBusObserver creates a BusObserver.
func NewBusObserver(bus domain.SignalBus) *BusObserver {
	return &BusObserver{bus: bus}
}

// OnTransition implements domain.Observer.
func (b *BusObserver) OnTransition(ctx context.Context, t domain.Transition) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("service: marshal transition: %w", err)
	}
	if err := b.bus.Publish(ctx, MarketChannel(t.MarketID), payload); err != nil {
		return err
	}
	if err := b.bus.Publish(ctx, ResolutionChannel, payload); err != nil {
		return err
	}
	return b.bus.StreamAppend(ctx, ResolutionStream, payload)
}

// AuditObserver writes one audit row per transition.
type AuditObserver struct {
	audit domain.AuditStore
}

// NewAuditObserver creates an AuditObserver.
func NewAuditObserver(audit domain.AuditStore) *AuditObserver {
	return &AuditObserver{audit: audit}
}

// OnTransition implements domain.Observer.
func (a *AuditObserver) OnTransition(ctx context.Context, t domain.Transition) error {
	detail := map[string]any{
		"market_id":        t.MarketID,
		"state":            string(t.State.State),
		"outcome_position": t.State.OutcomePosition,
		"dispute_count":    t.State.DisputeCount,
		"at":               t.At.Format(time.RFC3339Nano),
	}
	if t.EventID != "" {
		detail["event_id"] = t.EventID
	}
	if t.State.FinalResult != "" {
		detail["final_result"] = t.State.FinalResult
	}
	if t.Attestation != nil {
		detail["attestation"] = t.Attestation.Signature
		detail["signer"] = t.Attestation.Signer
	}
	if t.ArchivePath != "" {
		detail["archive_path"] = t.ArchivePath
	}
	return a.audit.Log(ctx, string(t.Type), detail)
}
