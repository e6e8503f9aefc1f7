package errors

import (
	"testing"
)

func TestValidationError(t *testing.T) {
	err := NewValidationError("type", "is not a recognized violation type", "keyboard_unplugged")

	if err.Field != "type" {
		t.Errorf("Expected field to be 'type', got '%s'", err.Field)
	}

	if err.Value != "keyboard_unplugged" {
		t.Errorf("Expected value to be 'keyboard_unplugged', got '%v'", err.Value)
	}

	expected := "validation error on field 'type': is not a recognized violation type"
	if err.Error() != expected {
		t.Errorf("Expected error message to be '%s', got '%s'", expected, err.Error())
	}
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors
	if errs.Error() != "validation failed" {
		t.Errorf("Expected 'validation failed' for empty errors, got '%s'", errs.Error())
	}

	errs = append(errs, *NewValidationError("attempt_id", "is required", nil))
	expected := "validation failed: attempt_id is required"
	if errs.Error() != expected {
		t.Errorf("Expected '%s' for single error, got '%s'", expected, errs.Error())
	}

	errs = append(errs, *NewValidationError("type", "is required", nil))
	expected = "validation failed: 2 field errors"
	if errs.Error() != expected {
		t.Errorf("Expected '%s' for multiple errors, got '%s'", expected, errs.Error())
	}
}
