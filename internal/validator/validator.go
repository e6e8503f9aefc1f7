// Package validator centralizes request validation. The violation_type rule
// keeps the penalty table authoritative: unknown types are rejected instead
// of silently receiving a default penalty.
package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/skillscreen/proctoring-service/internal/errors"
	"github.com/skillscreen/proctoring-service/internal/models"
)

type Validator struct {
	structValidator *validator.Validate
}

// New creates the validator instance with all custom rules registered.
func New() *Validator {
	structValidator := validator.New()
	registerCustomValidators(structValidator)
	return &Validator{structValidator: structValidator}
}

// Validate validates struct tags and converts failures to the shared
// ValidationErrors type.
func (v *Validator) Validate(s interface{}) error {
	if err := v.structValidator.Struct(s); err != nil {
		if ve := apperrors.ToValidationErrors(err); len(ve) > 0 {
			return ve
		}
		return err
	}
	return nil
}

func registerCustomValidators(validate *validator.Validate) {
	validate.RegisterValidation("violation_type", validateViolationType)
	validate.RegisterValidation("user_role", validateUserRole)

	// Report field names from json tags for better error messages.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func validateViolationType(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	for _, valid := range models.AllViolationTypes {
		if string(valid) == value {
			return true
		}
	}
	return false
}

func validateUserRole(fl validator.FieldLevel) bool {
	validRoles := []models.UserRole{
		models.RoleCandidate,
		models.RoleRecruiter,
		models.RoleAdmin,
	}

	value := fl.Field().String()
	for _, validRole := range validRoles {
		if string(validRole) == value {
			return true
		}
	}
	return false
}
