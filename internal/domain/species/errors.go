package species

import "errors"

// Sentinel kinds for the identification pipeline. Adapters wrap them so the
// HTTP layer can map a failure to a status code with errors.Is.
var (
	// ErrValidation marks a malformed body or an unacceptable image.
	ErrValidation = errors.New("validation failed")
	// ErrRateLimited marks a client that exhausted its window.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrCaptcha marks a missing or rejected challenge token.
	ErrCaptcha = errors.New("captcha verification failed")
	// ErrUpstream marks a classification provider failure.
	ErrUpstream = errors.New("upstream classification failed")
	// ErrNoPrediction marks a provider response without a usable taxon.
	ErrNoPrediction = errors.New("no prediction")
)
