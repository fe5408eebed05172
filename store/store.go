package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"

	"github.com/blockberries/quorumberry/types"
)

// Errors
var (
	ErrNotArchived     = errors.New("decision not archived")
	ErrAlreadyArchived = errors.New("conflicting decision already archived")
)

// codeDecision prefixes decision keys, leaving room for other record
// classes in the same database.
const codeDecision byte = 0x01

// decisionKey is the prefix byte followed by the big-endian round, so
// lexicographic key order is round order.
func decisionKey(round uint64) []byte {
	key := make([]byte, 9)
	key[0] = codeDecision
	binary.BigEndian.PutUint64(key[1:], round)
	return key
}

// DecisionStore is the permanent decision archive: one immutable entry
// per decided round, written once and kept for auditors. The write path
// mirrors the in-memory decision map — insert-if-absent, where
// re-archiving the same outcome is a no-op and archiving a different
// outcome for an archived round is refused.
type DecisionStore struct {
	log zerolog.Logger
	db  *badger.DB

	// ownsDB marks stores that opened their database themselves and
	// must close it.
	ownsDB bool
}

// Open creates or opens a decision archive in dir.
func Open(log zerolog.Logger, dir string) (*DecisionStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open decision archive: %w", err)
	}
	s := NewDecisionStore(log, db)
	s.ownsDB = true
	return s, nil
}

// NewDecisionStore wraps an existing database handle. The caller keeps
// ownership of the handle and closes it.
func NewDecisionStore(log zerolog.Logger, db *badger.DB) *DecisionStore {
	return &DecisionStore{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
	}
}

// Close releases the archive. A no-op for stores over a shared handle.
func (s *DecisionStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Archive persists a decision under its round. Archiving the outcome
// already stored for the round is a no-op; archiving a different
// outcome fails with ErrAlreadyArchived and leaves the stored entry
// untouched.
func (s *DecisionStore) Archive(d *types.Decision) error {
	if err := d.ValidateBasic(); err != nil {
		return err
	}

	val, err := types.MarshalCanonical(d)
	if err != nil {
		return fmt.Errorf("could not encode decision: %w", err)
	}
	key := decisionKey(d.Round)

	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			stored, err := decodeDecision(item)
			if err != nil {
				return err
			}
			if stored.Equal(d) {
				return nil
			}
			return fmt.Errorf("%w: round %d", ErrAlreadyArchived, d.Round)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("could not check round %d: %w", d.Round, err)
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return err
	}

	s.log.Debug().Uint64("round", d.Round).Msg("decision archived")
	return nil
}

// Decision returns the archived decision for a round.
func (s *DecisionStore) Decision(round uint64) (*types.Decision, error) {
	var decision *types.Decision
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(decisionKey(round))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: round %d", ErrNotArchived, round)
			}
			return fmt.Errorf("could not load round %d: %w", round, err)
		}
		decision, err = decodeDecision(item)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// Has reports whether a round has an archived decision.
func (s *DecisionStore) Has(round uint64) (bool, error) {
	exists := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(decisionKey(round))
		if err == nil {
			exists = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("could not check round %d: %w", round, err)
	})
	return exists, err
}

// Latest returns the archived decision with the highest round, or
// ErrNotArchived for an empty archive.
func (s *DecisionStore) Latest() (*types.Decision, error) {
	var decision *types.Decision
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte{codeDecision}
		it := txn.NewIterator(opts)
		defer it.Close()

		// seek past the largest possible decision key
		it.Seek(decisionKey(^uint64(0)))
		if !it.Valid() {
			return ErrNotArchived
		}
		var err error
		decision, err = decodeDecision(it.Item())
		return err
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// Iterate walks archived decisions with from <= round <= to in round
// order. A to of zero means no upper bound. The callback stops the walk
// by returning an error, which Iterate passes through.
func (s *DecisionStore) Iterate(from, to uint64, fn func(*types.Decision) error) error {
	if to == 0 {
		to = ^uint64(0)
	}
	if from > to {
		return fmt.Errorf("invalid range: from %d past to %d", from, to)
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{codeDecision}
		it := txn.NewIterator(opts)
		defer it.Close()

		end := decisionKey(to)
		for it.Seek(decisionKey(from)); it.Valid(); it.Next() {
			if bytes.Compare(it.Item().Key(), end) > 0 {
				return nil
			}
			decision, err := decodeDecision(it.Item())
			if err != nil {
				return err
			}
			if err := fn(decision); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of archived decisions.
func (s *DecisionStore) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{codeDecision}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func decodeDecision(item *badger.Item) (*types.Decision, error) {
	decision := &types.Decision{}
	err := item.Value(func(val []byte) error {
		return types.UnmarshalCanonical(val, decision)
	})
	if err != nil {
		return nil, fmt.Errorf("could not decode decision: %w", err)
	}
	return decision, nil
}
