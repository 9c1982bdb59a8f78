package gate

import "errors"

var (
	ErrMissingDependency  = errors.New("missing gate dependency")
	ErrRegisterCallback   = errors.New("register interception callback")
	ErrUnregisterCallback = errors.New("unregister interception callback")
	ErrResolvePath        = errors.New("resolve path relative to root")
)
