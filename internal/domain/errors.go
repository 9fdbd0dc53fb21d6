package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a concurrent write on the same unique key.
	ErrConflict = errors.New("write conflict")
	// ErrStaleUpdate signals a compare-and-set miss on an article's last_seen.
	ErrStaleUpdate = errors.New("stale update")
)

// TransientTransportError covers network failures, timeouts and non-2xx responses.
type TransientTransportError struct {
	Status int
	Err    error
}

func (e *TransientTransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport: unexpected status %d", e.Status)
}

func (e *TransientTransportError) Unwrap() error { return e.Err }

// MalformedRecordError marks a record skipped during resolution.
type MalformedRecordError struct {
	Index  int
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("record %d: %s", e.Index, e.Reason)
}

// ConfigurationError is fatal for one site's cycle only.
type ConfigurationError struct {
	Site   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("site %s: invalid configuration: %s", e.Site, e.Reason)
}

// CollectionError is returned when every attempt of a cycle failed.
type CollectionError struct {
	Site     string
	Attempts int
	Err      error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collect %s failed after %d attempts: %v", e.Site, e.Attempts, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }
