package main

import "errors"

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrBuildLogger      = errors.New("build logger")
	ErrRegisterRoot     = errors.New("register virtualization root")
	ErrListenSocket     = errors.New("listen on provider socket")
	ErrOpenStateDB      = errors.New("open state database")
	ErrConflictingFlags = errors.New("conflicting flag updates")
	ErrMarkNode         = errors.New("update node flags")
	ErrReadNode         = errors.New("read node state")
)
