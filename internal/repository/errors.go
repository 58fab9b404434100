package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a compare-and-swap lost against another writer.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicateEmail is returned when registering an address that is already taken.
	ErrDuplicateEmail = errors.New("email already registered")
)

// ConflictError carries the version found in the store when a save lost the race.
type ConflictError struct {
	Expected int64
	Current  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}
