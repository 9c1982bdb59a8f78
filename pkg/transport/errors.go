package transport

import "errors"

var (
	ErrListen          = errors.New("listen on provider socket")
	ErrAccept          = errors.New("accept provider connection")
	ErrHandshake       = errors.New("provider handshake")
	ErrUnexpectedFrame = errors.New("unexpected frame")
	ErrNoProvider      = errors.New("no provider attached")
)
