package deposit

import "errors"

// Every flow failure wraps exactly one of these; callers match with errors.Is.
var (
	ErrPrecondition = errors.New("wallet not connected")
	ErrValidation   = errors.New("invalid deposit")
	ErrNetwork      = errors.New("network error")
	ErrSigning      = errors.New("signing failed")
	ErrBroadcast    = errors.New("broadcast failed")
	ErrBackend      = errors.New("backend error")
	ErrBusy         = errors.New("operation already in progress")
	ErrConnect      = errors.New("wallet connect failed")
)
