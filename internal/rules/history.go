// Package rules holds the escalation rules of the resolution protocol. Every
// function here is pure: it reads a market's ordered ledger and an instant and
// never touches storage or collaborators.
package rules

import (
	"fmt"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Entry is a ledger event with its derived outcome position.
type Entry struct {
	Event    domain.ResolutionEvent
	Position int
}

// View is the derived reading of a market's ledger. It is recomputed from the
// history on every call and never stored.
type View struct {
	Entries []Entry
	// Pending is the single event awaiting review, if any.
	Pending *Entry
	// Standing is the most recently approved event. Its result is the market
	// outcome unless it is later overturned.
	Standing *Entry
	// LastProposal is the most recent proposal-kind event.
	LastProposal *Entry
	DisputeCount int
}

// Analyze folds the history into a View. The history must be ordered by
// sequence index, gapless from 1.
func Analyze(history []domain.ResolutionEvent) (View, error) {
	v := View{Entries: make([]Entry, 0, len(history))}
	for i, ev := range history {
		if ev.SequenceIndex != int64(i+1) {
			return View{}, fmt.Errorf("rules: analyze: event %s has sequence %d, want %d", ev.ID, ev.SequenceIndex, i+1)
		}
		v.Entries = append(v.Entries, Entry{Event: ev, Position: i + 1})
	}
	for i := range v.Entries {
		e := &v.Entries[i]
		switch e.Event.Status {
		case domain.StatusPending:
			v.Pending = e
		case domain.StatusApproved:
			v.Standing = e
		}
		if e.Event.IsDispute() {
			v.DisputeCount++
		} else {
			v.LastProposal = e
		}
	}
	return v, nil
}

// Last returns the most recent entry, or nil for an empty ledger.
func (v View) Last() *Entry {
	if len(v.Entries) == 0 {
		return nil
	}
	return &v.Entries[len(v.Entries)-1]
}

// NextSequence is the sequence index the next appended event must carry.
func (v View) NextSequence() int64 { return int64(len(v.Entries) + 1) }

// NextPosition is the outcome position the next appended event will hold.
func (v View) NextPosition() int { return len(v.Entries) + 1 }

// Find returns the entry holding eventID.
func (v View) Find(eventID string) (*Entry, bool) {
	for i := range v.Entries {
		if v.Entries[i].Event.ID == eventID {
			return &v.Entries[i], true
		}
	}
	return nil, false
}

// disputableTarget reports whether the standing outcome can still be the
// target of a dispute: only rejected disputes may follow it.
func (v View) disputableTarget() bool {
	if v.Standing == nil {
		return false
	}
	for _, e := range v.Entries[v.Standing.Position:] {
		if !e.Event.IsDispute() || e.Event.Status != domain.StatusRejected {
			return false
		}
	}
	return true
}
