package store

import (
	"context"
	"hash/fnv"
	"sort"

	"github.com/stoik/smsledger/internal/models"
)

// MergeFunc receives a copy of the stored record (nil when absent) and returns
// the record to persist, or nil to leave the store untouched. Backends may call
// it more than once when a write conflicts, so it must not have side effects
// beyond its return value.
type MergeFunc func(existing *models.MessageRecord) (*models.MessageRecord, error)

// Store is the canonical message store: upsert-by-key with an atomic
// read-modify-write per key, and range scans by time window.
type Store interface {
	// Merge applies fn to the record stored under providerID atomically with
	// respect to other merges of the same key.
	Merge(ctx context.Context, providerID string, fn MergeFunc) error

	// Scan calls fn for every record created or updated within window,
	// ordered by creation time.
	Scan(ctx context.Context, window models.Window, fn func(models.MessageRecord) error) error
}

// ShardFor hashes key onto one of n shards.
func ShardFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func sortByCreated(records []models.MessageRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ProviderID < records[j].ProviderID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
