package services

import (
	"errors"
	"fmt"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError builds a field validation failure tagged with the
// invalid_input kind so transports map it to a client error.
func NewValidationError(field, message string) error {
	return models.WrapKind(models.ErrKindInvalidInput, &ValidationError{Field: field, Message: message})
}

// IsValidationError reports whether err carries a field validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
