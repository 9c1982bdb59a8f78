package flags

import "errors"

var (
	ErrReadFlags   = errors.New("read node flags")
	ErrDecodeFlags = errors.New("decode node flags")
	ErrWriteFlags  = errors.New("write node flags")
	ErrStatNode    = errors.New("stat node")
)
