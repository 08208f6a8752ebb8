package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientError marks a provider failure worth retrying: timeouts, transport
// errors, 5xx and rate-limit responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient provider error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FetchFailure is returned once retries for a page are exhausted. Cursor names
// the page that could not be fetched.
type FetchFailure struct {
	Cursor   string
	Attempts int
	Err      error
}

func (e *FetchFailure) Error() string {
	return fmt.Sprintf("fetch failed at cursor %q after %d attempts: %v", e.Cursor, e.Attempts, e.Err)
}

func (e *FetchFailure) Unwrap() error { return e.Err }

// FatalFetchError is a non-retryable failure: bad credentials, a rejected
// request or an undecodable response.
type FatalFetchError struct {
	Cursor string
	Err    error
}

func (e *FatalFetchError) Error() string {
	return fmt.Sprintf("fatal fetch error at cursor %q: %v", e.Cursor, e.Err)
}

func (e *FatalFetchError) Unwrap() error { return e.Err }

// StatusError is a non-200 response from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= http.StatusInternalServerError
}
