package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrNameTaken indicates a unique name is already in use.
	ErrNameTaken = errors.New("repository: name already taken")
	// ErrStatusConflict indicates a compare-and-set lost against a concurrent writer.
	ErrStatusConflict = errors.New("repository: status changed concurrently")
)
