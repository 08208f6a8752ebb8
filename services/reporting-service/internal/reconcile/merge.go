package reconcile

import (
	"cmp"
	"time"

	"github.com/stoik/smsledger/internal/models"
)

// MergeResult describes what a merge did to the stored record.
type MergeResult string

const (
	Created   MergeResult = "created"
	Updated   MergeResult = "updated"
	Unchanged MergeResult = "unchanged"
)

// mergeRecord folds obs into existing (nil when absent). It returns the record
// to store, what changed, and whether anything needs writing. A newer sighting
// that only moves timestamps is written but reported as Unchanged.
//
// Every field is joined independently, so the stored record does not depend
// on the order observations arrive in.
func mergeRecord(existing *models.MessageRecord, obs models.Observation) (models.MessageRecord, MergeResult, bool) {
	incoming := fromObservation(obs)
	if existing == nil {
		return incoming, Created, true
	}

	cur := existing.Clone()
	next := joinRecords(cur, incoming)
	switch {
	case !sameContent(cur, next):
		next.Source = incoming.Source
		return next, Updated, true
	case !next.UpdatedAt.Equal(cur.UpdatedAt) || !next.StatusAt.Equal(cur.StatusAt) || !next.Lineage.Equal(cur.Lineage):
		return next, Unchanged, true
	default:
		return cur, Unchanged, false
	}
}

func fromObservation(obs models.Observation) models.MessageRecord {
	at := obs.UpdatedAt
	rec := models.MessageRecord{
		ProviderID:   obs.ProviderID,
		Direction:    obs.Direction,
		FromAddress:  obs.FromAddress,
		ToAddress:    obs.ToAddress,
		Status:       obs.Status,
		ErrorCode:    obs.ErrorCode,
		ErrorMessage: obs.ErrorMessage,
		Body:         obs.Body,
		Price:        obs.Price,
		NumMedia:     obs.NumMedia,
		NumSegments:  obs.NumSegments,
		CreatedAt:    obs.CreatedAt,
		SentAt:       obs.SentAt,
		UpdatedAt:    at,
		StatusAt:     at,
		Source:       obs.Source,
	}
	if rec.Status == "" {
		rec.Status = models.StatusUnknown
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = at
	}

	l := &rec.Lineage
	if rec.Direction != "" {
		l.Direction = at
	} else {
		rec.Direction = models.DirectionOutbound
	}
	l.From = stampIf(rec.FromAddress != "", at)
	l.To = stampIf(rec.ToAddress != "", at)
	l.Body = stampIf(rec.Body != nil, at)
	l.Price = stampIf(rec.Price != nil, at)
	l.NumMedia = stampIf(rec.NumMedia != nil, at)
	l.NumSegments = stampIf(rec.NumSegments != nil, at)
	l.SentAt = stampIf(rec.SentAt != nil, at)

	if rec.Status.IsError() {
		l.LastErrorCode, l.ErrorCode = rec.ErrorCode, stampIf(rec.ErrorCode != nil, at)
		l.LastErrorMessage, l.ErrorMessage = rec.ErrorMessage, stampIf(rec.ErrorMessage != nil, at)
	} else {
		rec.ErrorCode = nil
		rec.ErrorMessage = nil
	}
	return rec.Clone()
}

func stampIf(ok bool, at time.Time) time.Time {
	if ok {
		return at
	}
	return time.Time{}
}

// joinRecords combines two records of the same message. It is commutative and
// idempotent in every field except Source, which stays a's.
func joinRecords(a, b models.MessageRecord) models.MessageRecord {
	out := a.Clone()

	out.Status, out.StatusAt = joinStatus(a, b)

	// a direction never observed keeps its default and yields to any report
	dir := join(
		register[models.Direction]{val: a.Direction, at: a.Lineage.Direction, set: !a.Lineage.Direction.IsZero()},
		register[models.Direction]{val: b.Direction, at: b.Lineage.Direction, set: !b.Lineage.Direction.IsZero()},
		cmp.Less[models.Direction])
	switch {
	case dir.set:
		out.Direction, out.Lineage.Direction = dir.val, dir.at
	case a.Direction == "":
		out.Direction = models.DirectionOutbound
	}

	from := join(strReg(a.FromAddress, a.Lineage.From), strReg(b.FromAddress, b.Lineage.From), cmp.Less[string])
	out.FromAddress, out.Lineage.From = from.val, from.at
	to := join(strReg(a.ToAddress, a.Lineage.To), strReg(b.ToAddress, b.Lineage.To), cmp.Less[string])
	out.ToAddress, out.Lineage.To = to.val, to.at

	body := join(ptrReg(a.Body, a.Lineage.Body), ptrReg(b.Body, b.Lineage.Body), lessPtr[string])
	out.Body, out.Lineage.Body = clonePtr(body.val), body.at
	price := join(ptrReg(a.Price, a.Lineage.Price), ptrReg(b.Price, b.Lineage.Price), lessPtr[float64])
	out.Price, out.Lineage.Price = clonePtr(price.val), price.at
	media := join(ptrReg(a.NumMedia, a.Lineage.NumMedia), ptrReg(b.NumMedia, b.Lineage.NumMedia), lessPtr[int])
	out.NumMedia, out.Lineage.NumMedia = clonePtr(media.val), media.at
	segments := join(ptrReg(a.NumSegments, a.Lineage.NumSegments), ptrReg(b.NumSegments, b.Lineage.NumSegments), lessPtr[int])
	out.NumSegments, out.Lineage.NumSegments = clonePtr(segments.val), segments.at
	sent := join(ptrReg(a.SentAt, a.Lineage.SentAt), ptrReg(b.SentAt, b.Lineage.SentAt), lessTime)
	out.SentAt, out.Lineage.SentAt = clonePtr(sent.val), sent.at

	code := join(errorCodeReg(a), errorCodeReg(b), lessPtr[int])
	out.Lineage.LastErrorCode, out.Lineage.ErrorCode = clonePtr(code.val), code.at
	msg := join(errorMessageReg(a), errorMessageReg(b), lessPtr[string])
	out.Lineage.LastErrorMessage, out.Lineage.ErrorMessage = clonePtr(msg.val), msg.at

	// error details show only while the status is an error; a correction hides them
	if out.Status.IsError() {
		out.ErrorCode = clonePtr(code.val)
		out.ErrorMessage = clonePtr(msg.val)
	} else {
		out.ErrorCode = nil
		out.ErrorMessage = nil
	}

	switch {
	case a.CreatedAt.IsZero():
		out.CreatedAt = b.CreatedAt
	case !b.CreatedAt.IsZero() && b.CreatedAt.Before(a.CreatedAt):
		out.CreatedAt = b.CreatedAt
	}
	if b.UpdatedAt.After(a.UpdatedAt) {
		out.UpdatedAt = b.UpdatedAt
	}
	return out
}

// joinStatus picks the higher-ranked status. Equal ranks go to the later
// observation, then to statusOrder. The same status keeps its latest time.
func joinStatus(a, b models.MessageRecord) (models.Status, time.Time) {
	aAt, bAt := statusAt(a), statusAt(b)
	if a.Status == b.Status {
		if bAt.After(aAt) {
			return a.Status, bAt
		}
		return a.Status, aAt
	}
	if statusBeats(b.Status, bAt, a.Status, aAt) {
		return b.Status, bAt
	}
	return a.Status, aAt
}

func statusBeats(s models.Status, at time.Time, other models.Status, otherAt time.Time) bool {
	if r, o := s.Rank(), other.Rank(); r != o {
		return r > o
	}
	if !at.Equal(otherAt) {
		return at.After(otherAt)
	}
	if r, o := statusOrder(s), statusOrder(other); r != o {
		return r > o
	}
	return s > other
}

func statusAt(r models.MessageRecord) time.Time {
	if r.StatusAt.IsZero() {
		return r.UpdatedAt
	}
	return r.StatusAt
}

// statusOrder breaks ties between equal-rank statuses observed at the same
// instant. Error statuses win so an error code is only cleared by a strictly
// newer delivery report.
func statusOrder(s models.Status) int {
	switch s {
	case models.StatusUndelivered:
		return 3
	case models.StatusFailed:
		return 2
	case models.StatusDelivered, models.StatusReceived:
		return 1
	default:
		return 0
	}
}

// register is one field's value with the time it was observed.
type register[T any] struct {
	val T
	at  time.Time
	set bool
}

// join keeps the most recently observed value. Ties go to the greater value,
// which keeps join(a, b) == join(b, a).
func join[T any](a, b register[T], less func(x, y T) bool) register[T] {
	switch {
	case !b.set:
		return a
	case !a.set:
		return b
	case b.at.After(a.at):
		return b
	case a.at.After(b.at):
		return a
	case less(a.val, b.val):
		return b
	default:
		return a
	}
}

func strReg(v string, at time.Time) register[string] {
	return register[string]{val: v, at: at, set: v != ""}
}

func ptrReg[T any](v *T, at time.Time) register[*T] {
	return register[*T]{val: v, at: at, set: v != nil}
}

// errorCodeReg reads the remembered error code, falling back to the visible
// one for records stored without lineage.
func errorCodeReg(r models.MessageRecord) register[*int] {
	if r.Lineage.LastErrorCode != nil {
		return ptrReg(r.Lineage.LastErrorCode, r.Lineage.ErrorCode)
	}
	return ptrReg(r.ErrorCode, statusAt(r))
}

func errorMessageReg(r models.MessageRecord) register[*string] {
	if r.Lineage.LastErrorMessage != nil {
		return ptrReg(r.Lineage.LastErrorMessage, r.Lineage.ErrorMessage)
	}
	return ptrReg(r.ErrorMessage, statusAt(r))
}

func lessPtr[T cmp.Ordered](x, y *T) bool { return cmp.Less(*x, *y) }

func lessTime(x, y *time.Time) bool { return x.Before(*y) }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// sameContent compares what a record says about the message, ignoring when
// it was last seen and which path wrote it.
func sameContent(a, b models.MessageRecord) bool {
	return a.ProviderID == b.ProviderID &&
		a.Direction == b.Direction &&
		a.FromAddress == b.FromAddress &&
		a.ToAddress == b.ToAddress &&
		a.Status == b.Status &&
		ptrEqual(a.ErrorCode, b.ErrorCode) &&
		ptrEqual(a.ErrorMessage, b.ErrorMessage) &&
		ptrEqual(a.Body, b.Body) &&
		ptrEqual(a.Price, b.Price) &&
		ptrEqual(a.NumMedia, b.NumMedia) &&
		ptrEqual(a.NumSegments, b.NumSegments) &&
		timePtrEqual(a.SentAt, b.SentAt) &&
		a.CreatedAt.Equal(b.CreatedAt)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
