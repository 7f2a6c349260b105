package utils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Message: "test error message"}
	assert.Equal(t, "test error message", err.Error())

	withField := &ValidationError{Field: "mode", Message: "failed oneof"}
	assert.Equal(t, "mode: failed oneof", withField.Error())
}

func TestNewValidationErrorf(t *testing.T) {
	err := NewValidationErrorf("validation failed for field %s with value %d", "age", 150)

	assert.Error(t, err)
	assert.Equal(t, "validation failed for field age with value 150", err.Error())

	validationErr, ok := err.(*ValidationError)
	assert.True(t, ok)
	assert.Equal(t, "validation failed for field age with value 150", validationErr.Message)
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(NewValidationError("x")))
	assert.True(t, IsValidationError(fmt.Errorf("wrapped: %w", NewValidationError("x"))))
	assert.False(t, IsValidationError(assert.AnError))
}

func TestValidateStruct(t *testing.T) {
	type request struct {
		Mode  string `validate:"required,oneof=SAFE AGGRESSIVE"`
		Count int    `validate:"gte=1"`
	}

	assert.NoError(t, ValidateStruct(request{Mode: "SAFE", Count: 2}))

	err := ValidateStruct(request{Mode: "YOLO", Count: 2})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "mode", ve.Field)
	assert.Equal(t, "failed oneof=SAFE AGGRESSIVE", ve.Message)

	err = ValidateStruct(request{Mode: "SAFE"})
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "count", ve.Field)
}
