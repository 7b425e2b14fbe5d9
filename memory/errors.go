package memory

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

// Error tags classify engine failures.
var (
	ErrTagNotFound  = goerr.NewTag("not_found")
	ErrTagStorage   = goerr.NewTag("storage")
	ErrTagEmbedding = goerr.NewTag("embedding")
	ErrTagInvalid   = goerr.NewTag("invalid")
)

var (
	// ErrNotFound is returned by Store.Get for an unknown id.
	ErrNotFound = errors.New("memory not found")

	// ErrDimensionMismatch is returned when a vector does not match the
	// table dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)
