package durable

import "github.com/jmgilman/go/errors"

// ErrNotFound is returned when a region holds no entry for the key.
var ErrNotFound = errors.New(errors.CodeNotFound, "durable entry not found")

// ErrCorrupted is returned when an entry body or index fails its checksum or
// cannot be parsed.
var ErrCorrupted = errors.New(errors.CodeInternal, "durable entry is corrupted")

// ErrQuotaExceeded is returned when a write would take the store past its
// byte quota.
var ErrQuotaExceeded = errors.New(errors.CodeUnavailable, "durable storage quota exceeded")

// ErrUnavailable is returned when the store cannot be opened at all.
var ErrUnavailable = errors.New(errors.CodeUnavailable, "durable storage unavailable")
