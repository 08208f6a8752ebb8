package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/stoik/smsledger/internal/models"
	"go.uber.org/zap"
)

const (
	recordPrefix     = "msg/"
	maxConflictRetry = 5
)

// BadgerStore keeps records as JSON values under "msg/<providerID>" in an
// embedded Badger database. Merges run in a read-write transaction and are
// retried when Badger reports a conflicting concurrent commit.
type BadgerStore struct {
	db  *badger.DB
	log *zap.Logger
}

// OpenBadger opens (or creates) a Badger database at path.
func OpenBadger(path string, log *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", path, err)
	}
	return NewBadgerStore(db, log), nil
}

func NewBadgerStore(db *badger.DB, log *zap.Logger) *BadgerStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &BadgerStore{db: db, log: log.Named("badger")}
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Merge(ctx context.Context, providerID string, fn MergeFunc) error {
	key := []byte(recordPrefix + providerID)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			var existing *models.MessageRecord
			item, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				var rec models.MessageRecord
				if err := item.Value(func(v []byte) error {
					return json.Unmarshal(v, &rec)
				}); err != nil {
					return fmt.Errorf("failed to decode %s: %w", providerID, err)
				}
				existing = &rec
			}

			next, err := fn(existing)
			if err != nil || next == nil {
				return err
			}
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", providerID, err)
			}
			return txn.Set(key, data)
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetry {
			s.log.Debug("merge conflict, retrying", zap.String("provider_id", providerID), zap.Int("attempt", attempt))
			continue
		}
		return err
	}
}

func (s *BadgerStore) Scan(ctx context.Context, window models.Window, fn func(models.MessageRecord) error) error {
	var matched []models.MessageRecord
	prefix := []byte(recordPrefix)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec models.MessageRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			if window.Touches(rec) {
				matched = append(matched, rec)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error during badger scan: %w", err)
	}

	sortByCreated(matched)
	for _, rec := range matched {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
