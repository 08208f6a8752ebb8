package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/stoik/smsledger/internal/models"
)

const dateLayout = "2006-01-02"

// windowArgs describes a reporting window as given on the command line or a
// query string. Since and Until accept RFC 3339 or a plain date in loc; a
// plain Until date is inclusive. Without Since the window is the trailing
// Hours before Until.
type windowArgs struct {
	Since string
	Until string
	Hours int
}

func (a windowArgs) resolve(now time.Time, loc *time.Location, defaultLookback time.Duration) (models.Window, error) {
	if loc == nil {
		loc = time.UTC
	}
	until := now
	if a.Until != "" {
		t, dateOnly, err := parseBound(a.Until, loc)
		if err != nil {
			return models.Window{}, fmt.Errorf("invalid until: %w", err)
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1)
		}
		until = t
	}

	if a.Since == "" {
		lookback := defaultLookback
		if a.Hours > 0 {
			lookback = time.Duration(a.Hours) * time.Hour
		}
		return models.Trailing(until, lookback), nil
	}
	since, _, err := parseBound(a.Since, loc)
	if err != nil {
		return models.Window{}, fmt.Errorf("invalid since: %w", err)
	}
	return models.Window{Since: since, Until: until}, nil
}

func parseBound(raw string, loc *time.Location) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.ParseInLocation(dateLayout, raw, loc); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC 3339", raw)
	}
	return t, false, nil
}
