package lease

import "errors"

var (
	ErrNotFound         = errors.New("lease not found")
	ErrNoCapacity       = errors.New("no executor has enough free cores")
	ErrUnknownExecutor  = errors.New("unknown executor")
	ErrInvalidRequest   = errors.New("invalid lease request")
	ErrAlreadyReleased  = errors.New("lease already released")
	ErrTooManyLeases    = errors.New("lease table is full")
	ErrBadCredentials   = errors.New("lease id and secret do not match")
	ErrManagerStopped   = errors.New("lease manager stopped")
	ErrStoreUnavailable = errors.New("lease store unavailable")
)
