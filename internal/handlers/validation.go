package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/go-playground/validator/v10"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// Global validator instance (reused across all handlers)
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON names so clients see the field they sent.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateRequest validates a request struct using go-playground/validator.
// The first failing field is returned as a *models.ValidationError.
func ValidateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return models.NewValidationError(ve[0].Field(), formatValidationError(ve[0]))
	}
	return models.NewValidationError("", err.Error())
}

// formatValidationError converts a validator FieldError to a user-friendly message
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must have a minimum of %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "uuid":
		return "must be a valid UUID"
	case "dive":
		return "contains an invalid element"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// decodeAndValidate reads a JSON body into dst and validates it. Unknown
// fields are rejected.
func decodeAndValidate(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return models.NewValidationError("", "invalid request body")
	}
	return ValidateRequest(dst)
}

// pageParams reads page and page_size from the query string. Invalid
// numbers fall back to the defaults; clamping happens in the services.
func pageParams(r *http.Request) (int, int) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	return page, size
}

// boolParam parses an optional boolean query parameter.
func boolParam(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, models.NewValidationError(name, "must be true or false")
	}
	return &b, nil
}
