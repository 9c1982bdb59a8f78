package store

import "errors"

var (
	ErrPathRequired = errors.New("state db path required")
	ErrOpenDB       = errors.New("failed to open state db")
	ErrConfigureDB  = errors.New("failed to configure state db")
	ErrMigrate      = errors.New("failed to migrate state db")
	ErrSaveRoot     = errors.New("failed to save root")
	ErrListRoots    = errors.New("failed to list roots")
	ErrRemoveRoot   = errors.New("failed to remove root")
)
