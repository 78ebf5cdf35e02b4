package protocol

import "errors"

// Protocol errors.
var (
	ErrFunctionIDRange = errors.New("function id out of range")
	ErrShortBuffer     = errors.New("buffer too small")
	ErrSetupTooLarge   = errors.New("setup message too large")
	ErrMalformedSetup  = errors.New("malformed setup message")
	ErrSetupFailed     = errors.New("setup exchange failed")
)
