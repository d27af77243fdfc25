package mrrb

import "errors"

// Sentinel errors returned by Ring and Reader operations. Where the
// original C API returned a bare -1, these distinguish the cause.
var (
	ErrNilBuffer           = errors.New("mrrb: buffer is nil or empty")
	ErrNilData             = errors.New("mrrb: data is nil")
	ErrReaderNotRegistered = errors.New("mrrb: reader not registered")
	ErrReaderExists        = errors.New("mrrb: reader handle already registered")
	ErrEmptyHandle         = errors.New("mrrb: reader handle must not be empty")
	ErrNilNotify           = errors.New("mrrb: notify function must not be nil")
	ErrLockFailed          = errors.New("mrrb: lock acquisition failed")
	ErrISRWritesDisabled   = errors.New("mrrb: writes from interrupt context are disabled")
)
