package bdf

import "errors"

var (
	// ErrIO is returned when a blob cannot be opened or its framing or
	// header cannot be parsed.
	ErrIO = errors.New("bdf i/o error")

	// ErrTruncatedData is returned when a binary part does not hold the
	// number of bytes its header declares.
	ErrTruncatedData = errors.New("bdf truncated data")
)
