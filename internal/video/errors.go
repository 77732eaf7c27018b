package video

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/vidscan/internal/store"
)

// ErrJobNotFound is returned for unknown job ids and for jobs owned by another tenant.
var ErrJobNotFound = fmt.Errorf("job not found: %w", store.ErrNotFound)

// ValidationError rejects an upload before anything is persisted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// NotReadyError is returned when results are requested before the job completed.
type NotReadyError struct {
	Status  string
	Message string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("job not complete: status %s", e.Status)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
