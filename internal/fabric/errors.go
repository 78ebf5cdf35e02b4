package fabric

import "errors"

// Fabric errors.
var (
	ErrDisconnected      = errors.New("connection disconnected")
	ErrInvalidState      = errors.New("invalid connection state")
	ErrQueueFull         = errors.New("work queue full")
	ErrNotRegistered     = errors.New("buffer not registered")
	ErrAlreadyRegistered = errors.New("buffer already registered")
	ErrBufferClosed      = errors.New("buffer closed")
	ErrEmptyRegion       = errors.New("cannot register empty memory region")
	ErrInvalidKey        = errors.New("invalid memory key")
	ErrOutOfBounds       = errors.New("access outside registered region")
	ErrAccessDenied      = errors.New("memory region access denied")
	ErrMisaligned        = errors.New("atomic target not 8-byte aligned")
	ErrClosed            = errors.New("fabric object closed")
	ErrRejected          = errors.New("connection rejected by peer")
	ErrUnknownProvider   = errors.New("unknown fabric provider")
	ErrAddressInUse      = errors.New("fabric address in use")
	ErrNoListener        = errors.New("no listener at fabric address")
	ErrInvalidConfig     = errors.New("invalid queue pair configuration")
	ErrProtocol          = errors.New("fabric protocol error")
	ErrInvalidRequest    = errors.New("invalid work request")
)
