package store

import (
	"context"
	"sync"

	"github.com/stoik/smsledger/internal/models"
)

const memoryShards = 64

type memoryShard struct {
	mu      sync.RWMutex
	records map[string]models.MessageRecord
}

// MemoryStore keeps records in sharded in-process maps. Used for local runs
// and tests.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{records: make(map[string]models.MessageRecord)}
	}
	return s
}

func (s *MemoryStore) Merge(ctx context.Context, providerID string, fn MergeFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	shard := s.shards[ShardFor(providerID, memoryShards)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	var existing *models.MessageRecord
	if rec, ok := shard.records[providerID]; ok {
		c := rec.Clone()
		existing = &c
	}
	next, err := fn(existing)
	if err != nil {
		return err
	}
	if next != nil {
		shard.records[providerID] = next.Clone()
	}
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, window models.Window, fn func(models.MessageRecord) error) error {
	var matched []models.MessageRecord
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, rec := range shard.records {
			if window.Touches(rec) {
				matched = append(matched, rec.Clone())
			}
		}
		shard.mu.RUnlock()
	}
	sortByCreated(matched)

	for _, rec := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of the stored record.
func (s *MemoryStore) Get(providerID string) (models.MessageRecord, bool) {
	shard := s.shards[ShardFor(providerID, memoryShards)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	rec, ok := shard.records[providerID]
	if !ok {
		return models.MessageRecord{}, false
	}
	return rec.Clone(), true
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		n += len(shard.records)
		shard.mu.RUnlock()
	}
	return n
}
