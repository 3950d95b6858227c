package store

import "errors"

// Sentinel errors for store operations, checked with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist. Reads that
	// find no row return this explicit absence signal rather than a raw
	// database error, because the resolve chain branches on absence.
	ErrNotFound = errors.New("record not found")
)
