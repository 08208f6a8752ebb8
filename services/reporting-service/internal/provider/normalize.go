package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stoik/smsledger/internal/models"
)

// MaxBodyLength bounds stored message bodies (in runes).
const MaxBodyLength = 500

var errMissingSID = errors.New("message has no sid")

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseDate parses provider timestamps: RFC 1123 ("Mon, 25 Nov 2024 12:34:56
// +0000") with ISO-8601 fallbacks. Values without a zone are read as UTC.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseErrorCode accepts numbers, numeric strings and null.
func ParseErrorCode(raw string) *int {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" || raw == "null" || raw == "0" {
		return nil
	}
	code, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &code
}

// ParsePrice returns the absolute value of a decimal price string. SignalWire
// reports outbound charges as negative numbers.
func ParsePrice(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	v = math.Abs(v)
	return &v
}

// ParseCount parses a non-negative integer count.
func ParseCount(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// TruncateBody caps body at MaxBodyLength runes.
func TruncateBody(body string) string {
	if utf8.RuneCountInString(body) <= MaxBodyLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:MaxBodyLength])
}

// toObservation normalizes one listing entry. Unknown statuses map to UNKNOWN
// so the record still exists until a real status arrives.
func toObservation(m models.ProviderMessage, fetchedAt time.Time) (models.Observation, error) {
	sid := strings.TrimSpace(m.SID)
	if sid == "" {
		return models.Observation{}, errMissingSID
	}

	status, err := models.ParseStatus(m.Status)
	if err != nil {
		status = models.StatusUnknown
	}

	obs := models.Observation{
		ProviderID:   sid,
		Direction:    models.ParseDirection(m.Direction),
		FromAddress:  strings.TrimSpace(m.From),
		ToAddress:    strings.TrimSpace(m.To),
		Status:       status,
		ErrorMessage: nonEmpty(m.ErrorMessage),
		NumMedia:     ParseCount(m.NumMedia),
		NumSegments:  ParseCount(m.NumSegments),
		Source:       models.SourceBackfill,
	}
	if len(m.ErrorCode) > 0 && !bytes.Equal(m.ErrorCode, []byte("null")) {
		var raw any
		if err := json.Unmarshal(m.ErrorCode, &raw); err == nil {
			switch v := raw.(type) {
			case float64:
				obs.ErrorCode = ParseErrorCode(strconv.FormatFloat(v, 'f', 0, 64))
			case string:
				obs.ErrorCode = ParseErrorCode(v)
			}
		}
	}
	if m.Price != nil {
		obs.Price = ParsePrice(*m.Price)
	}
	if m.Body != nil {
		body := TruncateBody(*m.Body)
		obs.Body = &body
	}

	created, _ := ParseDate(m.DateCreated)
	obs.CreatedAt = created
	if sent, ok := ParseDate(m.DateSent); ok {
		obs.SentAt = &sent
	}

	switch updated, ok := ParseDate(m.DateUpdated); {
	case ok:
		obs.UpdatedAt = updated
	case obs.SentAt != nil:
		obs.UpdatedAt = *obs.SentAt
	case !created.IsZero():
		obs.UpdatedAt = created
	default:
		obs.UpdatedAt = fetchedAt
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = obs.UpdatedAt
	}
	return obs, nil
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
