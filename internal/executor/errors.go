package executor

import "errors"

// Executor errors.
var (
	ErrOutputOverflow    = errors.New("function output exceeds result buffer")
	ErrDuplicateFunction = errors.New("function already registered")
	ErrTooManyFunctions  = errors.New("function table full")
	ErrNoFreeCores       = errors.New("no free cores")
	ErrInitialContact    = errors.New("connection carries no lease")
	ErrServerClosed      = errors.New("executor server closed")
	ErrInvalidModule     = errors.New("invalid WASM module")
)
