package probe

import "errors"

// Sentinel errors returned by Run.
var (
	ErrInvalidConfig = errors.New("invalid probe configuration")
	ErrUnhealthy     = errors.New("service is not healthy")
	ErrContract      = errors.New("response contract violated")
)
