package models

import "time"

// Window is a half-open time range [Since, Until)
type Window struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool {
	return !w.Since.IsZero() && !w.Until.IsZero() && w.Until.After(w.Since)
}

// Contains reports whether t falls inside [Since, Until).
func (w Window) Contains(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	return !t.Before(w.Since) && t.Before(w.Until)
}

// Duration of the window, zero when invalid.
func (w Window) Duration() time.Duration {
	if !w.Valid() {
		return 0
	}
	return w.Until.Sub(w.Since)
}

// Trailing returns the window of length d ending at now.
func Trailing(now time.Time, d time.Duration) Window {
	return Window{Since: now.Add(-d), Until: now}
}

// Touches reports whether a record was created or updated within the window.
func (w Window) Touches(r MessageRecord) bool {
	return w.Contains(r.CreatedAt) || w.Contains(r.UpdatedAt)
}
