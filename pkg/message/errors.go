package message

import "errors"

var (
	ErrEncode        = errors.New("encode message")
	ErrDecode        = errors.New("decode message")
	ErrWriteFrame    = errors.New("write frame")
	ErrReadFrame     = errors.New("read frame")
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)
