package models

import (
	"errors"
	"fmt"
)

// Error kinds for the three pipeline error families.
const (
	KindTimeout         = "timeout"
	KindNavigationError = "navigation_error"
	KindParseError      = "parse_error"

	KindQuotaExceeded = "quota_exceeded"
	KindNetworkError  = "network_error"

	KindAuthError     = "auth_error"
	KindConflictError = "conflict_error"
)

// FetchError is a failure to fetch or parse one page or listing card.
type FetchError struct {
	Kind string // KindTimeout, KindNavigationError, KindParseError
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.Kind, e.URL)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// EnrichmentError is a failure to resolve a listing via the search API.
type EnrichmentError struct {
	Kind  string // KindQuotaExceeded, KindNetworkError
	Query string
	Err   error
}

func (e *EnrichmentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("enrich %s: %q", e.Kind, e.Query)
	}
	return fmt.Sprintf("enrich %s: %q: %v", e.Kind, e.Query, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// PersistenceError is a failure to read or write the spreadsheet store.
type PersistenceError struct {
	Kind string // KindAuthError, KindQuotaExceeded, KindConflictError
	Key  string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("persist %s: %s", e.Kind, e.Key)
	}
	return fmt.Sprintf("persist %s: %s: %v", e.Kind, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrorKind extracts the taxonomy kind from err, or "error" for anything
// outside the taxonomy. Used when recording failures in the run summary.
func ErrorKind(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var ee *EnrichmentError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return "error"
}

// IsConflict reports whether err is a store conflict, the one persistence
// failure that warrants a re-read-and-retry.
func IsConflict(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Kind == KindConflictError
}
