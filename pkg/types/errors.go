package types

import (
	"errors"
	"fmt"
)

// The allocator's error taxonomy. Every rejected operation wraps one
// of these sentinels, so callers can classify with errors.Is without
// string matching.
var (
	// ErrValidation: the operation would violate a capacity or
	// arithmetic invariant. Rejected before any mutation; state is
	// unchanged.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound: the operation references an unknown agent,
	// framework, or role. Treated as a benign race with a concurrent
	// removal; handlers turn it into a no-op.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate: an add for an id already tracked. The existing
	// entry is preserved.
	ErrDuplicate = errors.New("already exists")
)

// Validationf builds an ErrValidation with context.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds an ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Duplicatef builds an ErrDuplicate with context.
func Duplicatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDuplicate, fmt.Sprintf(format, args...))
}
