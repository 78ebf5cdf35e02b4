package invoker

import "errors"

// Invoker errors.
var (
	ErrUnknownFunction    = errors.New("unknown function")
	ErrInvalidArgument    = errors.New("invalid invocation arguments")
	ErrInputTooLarge      = errors.New("input exceeds worker region")
	ErrPartialDispatch    = errors.New("invocation partially dispatched")
	ErrConnectionLost     = errors.New("worker connection lost")
	ErrTooManyInvocations = errors.New("no free invocation id")
	ErrTransport          = errors.New("submission failed in transport")
	ErrFunctionMismatch   = errors.New("workers advertise different function tables")
	ErrClosed             = errors.New("invoker closed")
)
