package dataset

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is matched by every LookupError.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidQuery marks requests that name known keys but cannot be run.
	ErrInvalidQuery = errors.New("invalid query")
)

// LookupError reports an unknown dimension, attribute, measure or order key.
type LookupError struct {
	Kind string
	Key  string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Key)
}

func (e *LookupError) Is(target error) bool {
	return target == ErrKeyNotFound
}

func invalidQuery(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}
