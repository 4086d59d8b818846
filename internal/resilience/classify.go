package resilience

import (
	"errors"

	"github.com/sells-group/catalog-cli/internal/model"
)

// InputError marks a malformed subject or missing required input. Input
// errors fail fast and are never retried within a run.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return e.Err.Error()
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// NewInputError wraps err as an input error.
func NewInputError(err error) *InputError {
	return &InputError{Err: err}
}

// IsInput returns true if err (or any error in its chain) is an InputError.
func IsInput(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// ClassifyError categorizes a per-item failure for run summaries.
func ClassifyError(err error) model.ErrorClass {
	switch {
	case err == nil:
		return ""
	case IsInput(err):
		return model.ErrorInput
	case IsTransient(err):
		return model.ErrorTransient
	default:
		return model.ErrorUnknown
	}
}
