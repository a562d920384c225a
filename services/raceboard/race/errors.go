// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package race

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the raceboard service. Storage, active
// store, and registry return these; the REST layer classifies them into
// failure kinds for the wire.
var (
	// ErrNotFound indicates the requested race, cluster, or adapter
	// instance does not exist.
	ErrNotFound = errors.New("not found")

	// ErrReadOnly indicates a mutating call arrived while the server is
	// running in read-only mode.
	ErrReadOnly = errors.New("server is read-only")

	// ErrConflict indicates a duplicate registration or a concurrent
	// admin job (e.g. compaction already in progress).
	ErrConflict = errors.New("conflict")

	// ErrRateLimited indicates the caller exceeded an ingestion or
	// registration rate limit and should retry later.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout indicates the request deadline was exceeded.
	ErrTimeout = errors.New("deadline exceeded")

	// ErrUnavailable indicates storage could not be opened or locked;
	// mutators receive it until the store recovers.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrCorrupt indicates a persisted record could not be decoded.
	// Scans log and skip such records.
	ErrCorrupt = errors.New("corrupt record")
)

// Kind is the wire-level failure classification. REST responses carry it
// in the "error" field of the JSON error body.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindReadOnly    Kind = "read_only"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "unavailable"
	KindCorrupt     Kind = "corrupt"
	KindInternal    Kind = "internal"
)

// ValidationError reports a malformed or out-of-range input field. It
// classifies as KindValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Invalidf builds a ValidationError for field with a formatted reason.
func Invalidf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Classify maps an error to its failure kind. Unrecognized errors are
// KindInternal.
func Classify(err error) Kind {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrReadOnly):
		return KindReadOnly
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrCorrupt):
		return KindCorrupt
	default:
		return KindInternal
	}
}
