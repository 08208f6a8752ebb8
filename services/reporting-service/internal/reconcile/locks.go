package reconcile

import (
	"sync"

	"github.com/stoik/smsledger/services/reporting-service/internal/store"
)

const defaultShards = 256

// keyLocks serializes work per provider id without a global mutex. Keys that
// hash onto the same shard share a lock.
type keyLocks struct {
	shards []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	if n <= 0 {
		n = defaultShards
	}
	return &keyLocks{shards: make([]sync.Mutex, n)}
}

func (l *keyLocks) lock(key string) func() {
	mu := &l.shards[store.ShardFor(key, len(l.shards))]
	mu.Lock()
	return mu.Unlock
}
