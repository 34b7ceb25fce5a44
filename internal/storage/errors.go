package storage

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a create collided with an existing record.
	ErrAlreadyExists = errors.New("already exists")
)
