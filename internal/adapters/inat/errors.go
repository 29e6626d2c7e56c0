package inat

import (
	"github.com/okian/jamur/internal/domain/species"
)

// User-facing messages for failures that carry no upstream text.
const (
	msgNoPrediction = "Tidak ada prediksi yang diterima dari iNaturalist."
	msgUnreachable  = "Gagal menghubungi iNaturalist CV."
	msgBadPayload   = "Respons iNaturalist CV tidak valid."
	msgStatusFormat = "iNaturalist CV gagal (%d): %s"
)

// Error is returned by Client.Identify. Its message is safe to show to the
// caller; Err keeps the underlying cause for logs.
type Error struct {
	// Status is the provider's HTTP status, 0 when no response was received.
	Status  int
	Message string
	Err     error

	kind error
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes both the failure kind and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	errs := []error{species.ErrUpstream}
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(status int, message string, cause, kind error) *Error {
	return &Error{Status: status, Message: message, Err: cause, kind: kind}
}
