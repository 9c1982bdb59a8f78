package api

import "errors"

var (
	ErrMountpointRequired = errors.New("mountpoint is required")
	ErrBackingDirRequired = errors.New("backing dir is required")
	ErrPathNotAbsolute    = errors.New("mountpoint and backing dir must be absolute")
	ErrMountEqualsBacking = errors.New("mountpoint and backing dir must differ")
	ErrRootNotAbsolute    = errors.New("root path must be absolute")
	ErrRootOutsideBacking = errors.New("root path must be within backing dir")
)
