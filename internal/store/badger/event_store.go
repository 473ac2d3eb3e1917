package badgerdb

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Key layout, with {market} the hex-encoded market id so that no id is a
// key prefix of another:
//
//	head/{market}         - last sequence index, decimal
//	ev/{market}/{seq:020} - event JSON
//	id/{event}            - "{market id}/{seq}"
//	rv/{event}            - review JSON
const (
	headPrefix   = "head/"
	eventPrefix  = "ev/"
	idPrefix     = "id/"
	reviewPrefix = "rv/"
)

func marketSegment(marketID string) string { return hex.EncodeToString([]byte(marketID)) }

func headKey(marketID string) []byte { return []byte(headPrefix + marketSegment(marketID)) }
func eventsPrefix(marketID string) []byte {
	return []byte(eventPrefix + marketSegment(marketID) + "/")
}
func eventKey(marketID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventsPrefix(marketID), seq))
}
func idKey(eventID string) []byte     { return []byte(idPrefix + eventID) }
func reviewKey(eventID string) []byte { return []byte(reviewPrefix + eventID) }

// EventStore implements domain.EventStore on Badger. Optimistic concurrency
// comes from Badger's transaction conflict detection on the market head key.
type EventStore struct {
	db *badger.DB
}

// NewEventStore creates an EventStore on d.
func NewEventStore(d *DB) *EventStore {
	return &EventStore{db: d.db}
}

// Append stores ev when ev.SequenceIndex follows the market head.
func (s *EventStore) Append(ctx context.Context, ev domain.ResolutionEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Status = domain.StatusPending
	ev.ReviewedAt = nil
	ev.ReviewerID = ""

	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("badger: marshal event %s: %w", ev.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		head, err := readHead(txn, ev.MarketID)
		if err != nil {
			return err
		}
		if ev.SequenceIndex != head+1 {
			return fmt.Errorf("sequence %d, ledger expects %d: %w", ev.SequenceIndex, head+1, domain.ErrConcurrentModification)
		}
		if _, err := txn.Get(idKey(ev.ID)); err == nil {
			return fmt.Errorf("event %s: %w", ev.ID, domain.ErrAlreadyExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(eventKey(ev.MarketID, ev.SequenceIndex), data); err != nil {
			return err
		}
		ref := ev.MarketID + "/" + strconv.FormatInt(ev.SequenceIndex, 10)
		if err := txn.Set(idKey(ev.ID), []byte(ref)); err != nil {
			return err
		}
		return txn.Set(headKey(ev.MarketID), []byte(strconv.FormatInt(ev.SequenceIndex, 10)))
	})
	if err != nil {
		return "", fmt.Errorf("badger: append %s: %w", ev.MarketID, conflict(err))
	}
	return ev.ID, nil
}

// RecordReview stores r once per event.
func (s *EventStore) RecordReview(ctx context.Context, r domain.Review) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("badger: marshal review %s: %w", r.EventID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(idKey(r.EventID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		if _, err := txn.Get(reviewKey(r.EventID)); err == nil {
			return domain.ErrConcurrentModification
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(reviewKey(r.EventID), data)
	})
	if err != nil {
		return fmt.Errorf("badger: review %s: %w", r.EventID, conflict(err))
	}
	return nil
}

// ListByMarket iterates the market's events inside a read transaction.
func (s *EventStore) ListByMarket(ctx context.Context, marketID string) iter.Seq2[domain.ResolutionEvent, error] {
	return func(yield func(domain.ResolutionEvent, error) bool) {
		stopped := false
		err := s.db.View(func(txn *badger.Txn) error {
			prefix := eventsPrefix(marketID)
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				raw, err := it.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				ev, err := decodeEvent(txn, raw)
				if err != nil {
					return err
				}
				if !yield(ev, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(domain.ResolutionEvent{}, fmt.Errorf("badger: list %s: %w", marketID, err))
		}
	}
}

// GetEvent returns the event with its review applied.
func (s *EventStore) GetEvent(ctx context.Context, eventID string) (domain.ResolutionEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.ResolutionEvent{}, err
	}
	var ev domain.ResolutionEvent
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(eventID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		ref, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		i := strings.LastIndexByte(string(ref), '/')
		if i < 0 {
			return fmt.Errorf("corrupt index entry %q", ref)
		}
		seq, err := strconv.ParseInt(string(ref[i+1:]), 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt index entry %q: %w", ref, err)
		}
		item, err = txn.Get(eventKey(string(ref[:i]), seq))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		ev, err = decodeEvent(txn, raw)
		return err
	})
	if err != nil {
		return domain.ResolutionEvent{}, fmt.Errorf("badger: get event %s: %w", eventID, err)
	}
	return ev, nil
}

// ListMarkets returns market ids ordered by their hex encoding, which is
// byte order.
func (s *EventStore) ListMarkets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(headPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			id, err := hex.DecodeString(strings.TrimPrefix(key, headPrefix))
			if err != nil {
				return fmt.Errorf("corrupt head key %q: %w", key, err)
			}
			ids = append(ids, string(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list markets: %w", err)
	}
	return ids, nil
}

func readHead(txn *badger.Txn, marketID string) (int64, error) {
	item, err := txn.Get(headKey(marketID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

func decodeEvent(txn *badger.Txn, raw []byte) (domain.ResolutionEvent, error) {
	var ev domain.ResolutionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("unmarshal event: %w", err)
	}
	item, err := txn.Get(reviewKey(ev.ID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ev, nil
	}
	if err != nil {
		return ev, err
	}
	var r domain.Review
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
		return ev, fmt.Errorf("unmarshal review %s: %w", ev.ID, err)
	}
	return r.Apply(ev), nil
}

// conflict maps Badger's transaction conflict onto the domain error.
func conflict(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %w", domain.ErrConcurrentModification, err)
	}
	return err
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
