package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stoik/smsledger/internal/models"
	"github.com/stoik/smsledger/services/reporting-service/internal/metrics"
	"github.com/stoik/smsledger/services/reporting-service/internal/store"
	"go.uber.org/zap"
)

// ErrMissingProviderID is returned for observations without a key.
var ErrMissingProviderID = errors.New("observation has no provider id")

// Reconciler merges observations from every ingestion path into the
// canonical store, one key at a time.
type Reconciler struct {
	store   store.Store
	locks   *keyLocks
	log     *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Reconciler)

// WithShards sets the number of lock shards.
func WithShards(n int) Option {
	return func(r *Reconciler) { r.locks = newKeyLocks(n) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func New(s store.Store, log *zap.Logger, opts ...Option) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reconciler{
		store: s,
		locks: newKeyLocks(defaultShards),
		log:   log.Named("reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Merge applies obs to the stored record for obs.ProviderID.
func (r *Reconciler) Merge(ctx context.Context, obs models.Observation) (MergeResult, error) {
	if obs.ProviderID == "" {
		return "", ErrMissingProviderID
	}

	start := time.Now()
	unlock := r.locks.lock(obs.ProviderID)
	defer unlock()

	var result MergeResult
	err := r.store.Merge(ctx, obs.ProviderID, func(existing *models.MessageRecord) (*models.MessageRecord, error) {
		next, res, write := mergeRecord(existing, obs)
		result = res
		if !write {
			return nil, nil
		}
		if existing != nil && next.Status.Rank() < existing.Status.Rank() {
			// status must never regress
			return nil, fmt.Errorf("status regression %s -> %s for %s", existing.Status, next.Status, obs.ProviderID)
		}
		return &next, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to merge %s: %w", obs.ProviderID, err)
	}

	r.metrics.ObserveMerge(string(obs.Source), string(result), time.Since(start))
	if result != Unchanged {
		r.log.Debug("merged observation",
			zap.String("provider_id", obs.ProviderID),
			zap.String("status", string(obs.Status)),
			zap.String("source", string(obs.Source)),
			zap.String("result", string(result)))
	}
	return result, nil
}
