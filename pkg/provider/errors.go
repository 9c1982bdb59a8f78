package provider

import "errors"

var (
	ErrConfig         = errors.New("invalid provider config")
	ErrDial           = errors.New("failed to dial gate socket")
	ErrHandshake      = errors.New("provider handshake failed")
	ErrAttachRejected = errors.New("attach rejected by gate")
	ErrReadRequest    = errors.New("failed to read request")
	ErrUnknownRequest = errors.New("unknown request")
)
