package interpose

import "errors"

var (
	ErrNoGate      = errors.New("no gate bound")
	ErrStatBacking = errors.New("stat backing directory")
	ErrMount       = errors.New("mount interposition filesystem")
	ErrUnmount     = errors.New("unmount interposition filesystem")
)
