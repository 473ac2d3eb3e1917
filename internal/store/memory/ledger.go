package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Escrow is a bond held by the in-memory ledger.
type Escrow struct {
	EventID  string
	MarketID string
	UserID   string
	Amount   decimal.Decimal
	Outcome  domain.BondOutcome
	Released bool
}

// Ledger implements domain.Ledger in memory.
type Ledger struct {
	mu         sync.Mutex
	escrows    map[string]*Escrow
	order      []string
	failEscrow error
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{escrows: make(map[string]*Escrow)}
}

// Escrow holds amount for eventID.
func (l *Ledger) Escrow(ctx context.Context, userID string, amount decimal.Decimal, marketID, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failEscrow != nil {
		return l.failEscrow
	}
	if _, ok := l.escrows[eventID]; ok {
		return fmt.Errorf("memory: escrow %s: %w", eventID, domain.ErrAlreadyExists)
	}
	l.escrows[eventID] = &Escrow{EventID: eventID, MarketID: marketID, UserID: userID, Amount: amount}
	l.order = append(l.order, eventID)
	return nil
}

// Release marks the bond for eventID with outcome. Releasing twice is an
// error.
func (l *Ledger) Release(ctx context.Context, eventID string, outcome domain.BondOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.escrows[eventID]
	if !ok {
		return fmt.Errorf("memory: release %s: %w", eventID, domain.ErrNotFound)
	}
	if e.Released {
		return fmt.Errorf("memory: release %s: %w", eventID, domain.ErrAlreadyExists)
	}
	e.Released = true
	e.Outcome = outcome
	return nil
}

// Escrows returns copies of all escrows in the order they were taken.
func (l *Ledger) Escrows() []Escrow {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Escrow, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.escrows[id])
	}
	return out
}

// Get returns the escrow for eventID.
func (l *Ledger) Get(eventID string) (Escrow, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.escrows[eventID]
	if !ok {
		return Escrow{}, false
	}
	return *e, true
}

// SetFailEscrow makes subsequent Escrow calls return err. Pass nil to clear.
func (l *Ledger) SetFailEscrow(err error) {
	l.mu.Lock()
	l.failEscrow = err
	l.mu.Unlock()
}

// Compile-time interface check.
var _ domain.Ledger = (*Ledger)(nil)
