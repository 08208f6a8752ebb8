package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stoik/smsledger/internal/models"
	"github.com/stoik/smsledger/services/reporting-service/internal/logger"
	"github.com/stoik/smsledger/services/reporting-service/internal/metrics"
	"github.com/stoik/smsledger/services/reporting-service/internal/provider"
	"github.com/stoik/smsledger/services/reporting-service/internal/reconcile"
	"go.uber.org/zap"
)

// ErrMalformedPayload is matched by every *MalformedPayloadError.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// MalformedPayloadError rejects an event before it reaches the reconciler.
type MalformedPayloadError struct {
	Field  string
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed webhook payload: %s %s", e.Field, e.Reason)
}

func (e *MalformedPayloadError) Unwrap() error { return ErrMalformedPayload }

// Merger is the reconciler as seen by the receiver.
type Merger interface {
	Merge(ctx context.Context, obs models.Observation) (reconcile.MergeResult, error)
}

type Config struct {
	// DedupeTTL is how long a merged event fingerprint is remembered.
	DedupeTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 10 * time.Minute
	}
	return c
}

// dlrEvent is the validated shape of a delivery event.
type dlrEvent struct {
	ID          string `validate:"required,max=64"`
	Status      string `validate:"required"`
	ErrorCode   string `validate:"omitempty,numeric"`
	Price       string `validate:"omitempty,numeric"`
	NumMedia    string `validate:"omitempty,number"`
	NumSegments string `validate:"omitempty,number"`
}

const purgeEvery = 1024

// Receiver validates and normalizes delivery events and hands them to the
// reconciler synchronously.
type Receiver struct {
	merger   Merger
	cfg      Config
	validate *validator.Validate
	seen     *TTLCache[string, reconcile.MergeResult]
	received atomic.Uint64
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewReceiver(m Merger, cfg Config, log *zap.Logger, mt *metrics.Metrics) *Receiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Receiver{
		merger:   m,
		cfg:      cfg.withDefaults(),
		validate: validator.New(),
		seen:     NewTTLCache[string, reconcile.MergeResult](),
		log:      log.Named("webhook"),
		metrics:  mt,
		now:      time.Now,
	}
}

// Receive merges one event. A repeated delivery of the same event returns
// reconcile.Unchanged.
func (r *Receiver) Receive(ctx context.Context, p Payload) (reconcile.MergeResult, error) {
	if r.received.Add(1)%purgeEvery == 0 {
		r.seen.Purge()
	}

	fields := p.fields()
	obs, err := r.observation(ctx, fields)
	if err != nil {
		var malformed *MalformedPayloadError
		if errors.As(err, &malformed) {
			r.metrics.IncWebhookRejected(malformed.Field)
			r.log.Warn("rejected delivery event",
				zap.String("field", malformed.Field),
				zap.String("reason", malformed.Reason))
		}
		return "", err
	}

	key := fingerprint(fields)
	if _, ok := r.seen.Get(key); ok {
		r.log.Debug("duplicate delivery event", zap.String("provider_id", obs.ProviderID))
		return reconcile.Unchanged, nil
	}

	result, err := r.merger.Merge(ctx, obs)
	if err != nil {
		return "", err
	}
	r.seen.Set(key, result, r.cfg.DedupeTTL)

	r.log.Info("delivery event merged",
		zap.String("provider_id", obs.ProviderID),
		zap.String("status", string(obs.Status)),
		logger.Phone("to", obs.ToAddress),
		zap.String("result", string(result)))
	return result, nil
}

func (r *Receiver) observation(ctx context.Context, fields map[string]string) (models.Observation, error) {
	event := dlrEvent{
		ID:          fields["id"],
		Status:      fields["status"],
		ErrorCode:   fields["errorcode"],
		Price:       fields["price"],
		NumMedia:    fields["nummedia"],
		NumSegments: fields["numsegments"],
	}
	if err := r.validate.StructCtx(ctx, event); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return models.Observation{}, &MalformedPayloadError{
				Field:  strings.ToLower(verrs[0].Field()),
				Reason: "failed " + verrs[0].Tag() + " check",
			}
		}
		return models.Observation{}, fmt.Errorf("failed to validate payload: %w", err)
	}

	status, err := models.ParseStatus(event.Status)
	if err != nil {
		return models.Observation{}, &MalformedPayloadError{Field: "status", Reason: fmt.Sprintf("%q is not recognized", event.Status)}
	}

	receivedAt := r.now().UTC()
	obs := models.Observation{
		ProviderID:  event.ID,
		FromAddress: fields["from"],
		ToAddress:   fields["to"],
		Status:      status,
		ErrorCode:   provider.ParseErrorCode(event.ErrorCode),
		NumMedia:    provider.ParseCount(event.NumMedia),
		NumSegments: provider.ParseCount(event.NumSegments),
		UpdatedAt:   receivedAt,
		Source:      models.SourceWebhook,
	}

	switch raw, ok := fields["direction"]; {
	case ok:
		obs.Direction = models.ParseDirection(raw)
	case status == models.StatusReceived:
		obs.Direction = models.DirectionInbound
	}

	if msg, ok := fields["errormessage"]; ok {
		obs.ErrorMessage = &msg
	}
	if body, ok := fields["body"]; ok {
		body = provider.TruncateBody(body)
		obs.Body = &body
	}
	if price, ok := fields["price"]; ok {
		obs.Price = provider.ParsePrice(price)
	}

	if ts, ok := provider.ParseDate(fields["timestamp"]); ok {
		obs.UpdatedAt = ts
	}
	if created, ok := provider.ParseDate(fields["datecreated"]); ok {
		obs.CreatedAt = created
	}
	if sent, ok := provider.ParseDate(fields["datesent"]); ok {
		obs.SentAt = &sent
	} else if status == models.StatusSent {
		sentAt := obs.UpdatedAt
		obs.SentAt = &sentAt
	}
	return obs, nil
}
