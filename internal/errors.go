package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrInvalidProxyKey = errors.New("invalid proxy key")
	ErrRpmExceeded     = errors.New("rpm limit exceeded")
	ErrNoEligibleGroup = errors.New("no eligible group")
	ErrNoAvailableKey  = errors.New("no available key")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrBadRequest      = errors.New("bad request")
)
