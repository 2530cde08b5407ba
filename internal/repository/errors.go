package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrVersionConflict indicates the stored record changed since it was loaded.
var ErrVersionConflict = errors.New("repository: version conflict")

// ErrDuplicate indicates a unique constraint was violated.
var ErrDuplicate = errors.New("repository: duplicate")
