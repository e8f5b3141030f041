package operation

import "errors"

var (
	// ErrUnknownType indicates an unrecognized operation type tag.
	ErrUnknownType = errors.New("unknown operation type")
	// ErrEmptyText indicates an insert with no text.
	ErrEmptyText = errors.New("insert text is empty")
	// ErrOutOfBounds indicates a position or length outside the document.
	ErrOutOfBounds = errors.New("operation out of bounds")
	// ErrInvalidRange indicates a format range with start >= end or bounds past the document.
	ErrInvalidRange = errors.New("invalid format range")
)
