package store

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint.
var ErrConflict = errors.New("conflict")

// ErrStale is returned when a guarded write finds the record changed since
// it was read.
var ErrStale = errors.New("record changed since it was read")
