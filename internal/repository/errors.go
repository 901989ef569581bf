package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrStaleState is returned when a conditional update finds the record
	// no longer in the expected state.
	ErrStaleState = errors.New("record changed concurrently")

	// ErrAlreadyExists is returned when an entity with the same key exists.
	ErrAlreadyExists = errors.New("entity already exists")
)
