package credential

import "errors"

// Pool errors.
var (
	ErrNotFound     = errors.New("credential pool: not found")
	ErrDuplicate    = errors.New("credential pool: duplicate credential")
	ErrAllExhausted = errors.New("credential pool: all credentials exhausted")
)
