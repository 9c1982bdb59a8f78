package roots

import "errors"

var (
	ErrOutsideManaged   = errors.New("root path outside managed filesystem")
	ErrRootExists       = errors.New("root already registered")
	ErrRootNotFound     = errors.New("no root registered for path")
	ErrProviderAttached = errors.New("provider already attached")
)
