package billing

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// requestValidator turns struct tag failures into ValidationErrors named
// after the JSON field.
type requestValidator struct {
	v *validator.Validate
}

func newValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

// Struct validates s. A single failure is returned as ValidationError,
// several as a MultiError of them; both match ErrInvalidInput.
func (r *requestValidator) Struct(s any) error {
	err := r.v.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var multi MultiError
	for _, fe := range fieldErrs {
		multi.Add(ValidationError{Field: fe.Field(), Message: describe(fe)})
	}
	if len(multi.Errors) == 1 {
		return multi.Errors[0]
	}
	return multi
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be an absolute URL"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// checkIdempotencyKey enforces the client-supplied key contract.
func checkIdempotencyKey(key string) error {
	switch {
	case key == "":
		return ValidationError{Field: "idempotency_key", Message: "is required"}
	case len(key) > MaxIdempotencyKeyLen:
		return ValidationError{Field: "idempotency_key", Message: fmt.Sprintf("must be at most %d characters", MaxIdempotencyKeyLen)}
	}
	return nil
}
