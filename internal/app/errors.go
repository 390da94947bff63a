package app

import "errors"

var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrDuplicateName   = errors.New("duplicate name")
	ErrInUse           = errors.New("in use")
	ErrLimitExceeded   = errors.New("limit exceeded")
	ErrExpired         = errors.New("sandbox expired")
	ErrAlreadyPromoted = errors.New("sandbox already promoted")
	ErrConflict        = errors.New("conflict")
	ErrInvalidState    = errors.New("invalid state")
)
