package domain

import "errors"

var (
	// ErrSourceUnavailable covers transport failures and per-call timeouts.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrPageNotFound means a resolved title no longer resolves.
	ErrPageNotFound = errors.New("page not found")
	// ErrMalformedClassification means reasoning output did not match its schema.
	ErrMalformedClassification = errors.New("malformed classification")
	// ErrFilterMismatch means the filter chose something that is not a candidate.
	ErrFilterMismatch = errors.New("filter mismatch")
	// ErrConfiguration is fatal and surfaced to the caller.
	ErrConfiguration = errors.New("configuration error")
)
