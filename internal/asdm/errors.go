package asdm

import "errors"

var (
	// ErrNotFound indicates a key is absent from a metadata table.
	ErrNotFound = errors.New("not found")

	// ErrMalformed indicates a metadata table could not be parsed.
	ErrMalformed = errors.New("malformed metadata table")
)
