// Package notify forwards resolution transitions to chat channels. Operators
// choose which transition types are delivered.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier implements domain.Observer by formatting transitions and
// dispatching them to every Sender.
type Notifier struct {
	senders []Sender
	events  map[domain.TransitionType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only transition types listed in events are
// forwarded; an empty list forwards everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.TransitionType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.TransitionType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// OnTransition sends t when its type passes the filter.
func (n *Notifier) OnTransition(ctx context.Context, t domain.Transition) error {
	if len(n.events) > 0 && !n.events[t.Type] {
		n.logger.DebugContext(ctx, "transition filtered out",
			slog.String("type", string(t.Type)),
			slog.String("market_id", t.MarketID),
		)
		return nil
	}
	title, message := Format(t)
	return n.dispatch(ctx, title, message)
}

// Format renders a transition as a title and a short body.
func Format(t domain.Transition) (title, message string) {
	title = fmt.Sprintf("Market %s: %s", t.MarketID, strings.ReplaceAll(string(t.Type), "_", " "))

	var b strings.Builder
	fmt.Fprintf(&b, "state: %s", t.State.State)
	if p := t.State.CurrentProposal; p != nil {
		fmt.Fprintf(&b, "\nresult: %s (%s)", p.ProposedResult, p.Status)
	}
	if t.State.DisputeWindowDeadline != nil && !t.State.IsFinal() {
		fmt.Fprintf(&b, "\ndispute window closes: %s", t.State.DisputeWindowDeadline.UTC().Format("2006-01-02 15:04 MST"))
	}
	if t.State.DisputeCount > 0 {
		fmt.Fprintf(&b, "\ndisputes: %d/%d", t.State.DisputeCount, domain.MaxDisputes)
	}
	if t.State.FinalResult != "" {
		fmt.Fprintf(&b, "\nfinal result: %s", t.State.FinalResult)
	}
	if t.Attestation != nil {
		fmt.Fprintf(&b, "\nsigned by: %s", t.Attestation.Signer)
	}
	return title, b.String()
}

// dispatch sends to every sender. One sender failing does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Compile-time interface check.
var _ domain.Observer = (*Notifier)(nil)
