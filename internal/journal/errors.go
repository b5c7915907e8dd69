package journal

import "errors"

var (
	// ErrNotFound is returned by Open when the journal does not exist and
	// CreateIfNotExists is false.
	ErrNotFound = errors.New("journal not found")

	// ErrInvalidLimit is returned for a negative query limit.
	ErrInvalidLimit = errors.New("invalid limit: must be non-negative")
)
