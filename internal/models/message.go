package models

import (
	"fmt"
	"strings"
	"time"
)

// Direction of a message relative to our numbers
type Direction string

const (
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInbound  Direction = "INBOUND"
)

// Status is the canonical lifecycle status of a message
type Status string

const (
	StatusQueued      Status = "QUEUED"
	StatusSent        Status = "SENT"
	StatusDelivered   Status = "DELIVERED"
	StatusFailed      Status = "FAILED"
	StatusUndelivered Status = "UNDELIVERED"
	StatusReceived    Status = "RECEIVED"
	StatusUnknown     Status = "UNKNOWN"
)

// Source records which ingestion path produced the last write (diagnostics only)
type Source string

const (
	SourceBackfill Source = "BACKFILL"
	SourceWebhook  Source = "WEBHOOK"
)

// Kind distinguishes SMS from MMS traffic
type Kind string

const (
	KindSMS Kind = "SMS"
	KindMMS Kind = "MMS"
)

// Rank orders statuses along the lifecycle. UNKNOWN ranks below everything so
// it never replaces a real status.
func (s Status) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSent, StatusReceived:
		return 1
	case StatusDelivered, StatusFailed, StatusUndelivered:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further legitimate transition is expected.
func (s Status) Terminal() bool {
	return s.Rank() == 2
}

// IsError reports whether the status carries an error code.
func (s Status) IsError() bool {
	return s == StatusFailed || s == StatusUndelivered
}

// ParseStatus maps provider status strings (SignalWire/Twilio vocabulary) onto
// the canonical lifecycle. Unrecognized values return an error.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "scheduled", "queued", "sending":
		return StatusQueued, nil
	case "sent":
		return StatusSent, nil
	case "delivered", "read":
		return StatusDelivered, nil
	case "failed", "canceled", "cancelled":
		return StatusFailed, nil
	case "undelivered":
		return StatusUndelivered, nil
	case "received", "receiving":
		return StatusReceived, nil
	case "unknown":
		return StatusUnknown, nil
	}
	return StatusUnknown, fmt.Errorf("unrecognized status %q", raw)
}

// ParseDirection maps provider direction strings ("inbound", "outbound-api",
// "outbound-reply", ...) onto a Direction.
func ParseDirection(raw string) Direction {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "inbound") {
		return DirectionInbound
	}
	return DirectionOutbound
}

// MessageRecord is the canonical, query-ready record of one provider message.
type MessageRecord struct {
	ProviderID   string     `json:"provider_id" db:"provider_id"`
	Direction    Direction  `json:"direction" db:"direction"`
	FromAddress  string     `json:"from_address" db:"from_address"`
	ToAddress    string     `json:"to_address" db:"to_address"`
	Status       Status     `json:"status" db:"status"`
	ErrorCode    *int       `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
	Body         *string    `json:"body,omitempty" db:"body"`
	Price        *float64   `json:"price,omitempty" db:"price"`
	NumMedia     *int       `json:"num_media,omitempty" db:"num_media"`
	NumSegments  *int       `json:"num_segments,omitempty" db:"num_segments"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	StatusAt     time.Time  `json:"status_at" db:"status_at"` // observation time of the current status
	Source       Source     `json:"source" db:"source"`
	Lineage      Lineage    `json:"lineage" db:"lineage"`
}

// Lineage records when each field's current value was observed, so merging
// the same observations in any order yields the same record. The latest
// reported error details are held here even while the status is not an error.
type Lineage struct {
	Direction        time.Time `json:"direction,omitzero"`
	From             time.Time `json:"from,omitzero"`
	To               time.Time `json:"to,omitzero"`
	Body             time.Time `json:"body,omitzero"`
	Price            time.Time `json:"price,omitzero"`
	NumMedia         time.Time `json:"num_media,omitzero"`
	NumSegments      time.Time `json:"num_segments,omitzero"`
	SentAt           time.Time `json:"sent_at,omitzero"`
	ErrorCode        time.Time `json:"error_code,omitzero"`
	ErrorMessage     time.Time `json:"error_message,omitzero"`
	LastErrorCode    *int      `json:"last_error_code,omitempty"`
	LastErrorMessage *string   `json:"last_error_message,omitempty"`
}

// Equal compares two lineages field by field.
func (l Lineage) Equal(o Lineage) bool {
	return l.Direction.Equal(o.Direction) &&
		l.From.Equal(o.From) &&
		l.To.Equal(o.To) &&
		l.Body.Equal(o.Body) &&
		l.Price.Equal(o.Price) &&
		l.NumMedia.Equal(o.NumMedia) &&
		l.NumSegments.Equal(o.NumSegments) &&
		l.SentAt.Equal(o.SentAt) &&
		l.ErrorCode.Equal(o.ErrorCode) &&
		l.ErrorMessage.Equal(o.ErrorMessage) &&
		ptrEqual(l.LastErrorCode, o.LastErrorCode) &&
		ptrEqual(l.LastErrorMessage, o.LastErrorMessage)
}

// Kind infers SMS vs MMS from the media count.
func (r MessageRecord) Kind() Kind {
	if r.NumMedia != nil && *r.NumMedia > 0 {
		return KindMMS
	}
	return KindSMS
}

// Latency is SentAt - CreatedAt clamped to zero. ok is false when either
// timestamp is missing.
func (r MessageRecord) Latency() (time.Duration, bool) {
	if r.SentAt == nil || r.CreatedAt.IsZero() {
		return 0, false
	}
	d := r.SentAt.Sub(r.CreatedAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Observation is one normalized sighting of a message, from either the
// backfill crawl or a delivery webhook. It is the only shape the reconciler
// accepts.
type Observation struct {
	ProviderID   string
	Direction    Direction
	FromAddress  string
	ToAddress    string
	Status       Status
	ErrorCode    *int
	ErrorMessage *string
	Body         *string
	Price        *float64
	NumMedia     *int
	NumSegments  *int
	CreatedAt    time.Time
	SentAt       *time.Time
	UpdatedAt    time.Time
	Source       Source
}

// Clone returns a deep copy so stored records never alias caller memory.
func (r MessageRecord) Clone() MessageRecord {
	out := r
	out.ErrorCode = clonePtr(r.ErrorCode)
	out.ErrorMessage = clonePtr(r.ErrorMessage)
	out.Body = clonePtr(r.Body)
	out.Price = clonePtr(r.Price)
	out.NumMedia = clonePtr(r.NumMedia)
	out.NumSegments = clonePtr(r.NumSegments)
	out.SentAt = clonePtr(r.SentAt)
	out.Lineage.LastErrorCode = clonePtr(r.Lineage.LastErrorCode)
	out.Lineage.LastErrorMessage = clonePtr(r.Lineage.LastErrorMessage)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
