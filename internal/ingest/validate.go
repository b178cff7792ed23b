package ingest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"telemetry-pipeline/internal/telemetry/domain"
)

// FieldError describes one failing field of an envelope. Field is a JSON path such as
// "deviceInfo.platform" or "events[2].eventType".
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when one or more envelopes fail validation. It is permanent; the
// boundary maps it to 400 and never retries.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// AsValidationError unwraps err into a *ValidationError.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("eventtype", func(fl validator.FieldLevel) bool {
		return domain.EventType(fl.Field().String()).Valid()
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate checks one envelope and returns every failing field, not just the first.
func Validate(ev *domain.TelemetryEvent) []FieldError {
	if ev == nil {
		return []FieldError{{Field: "", Message: "event is required"}}
	}
	return fieldErrors(validate.Struct(ev), "")
}

// ValidateBatch checks every envelope of a batch. Field paths are prefixed with events[i].
func ValidateBatch(events []domain.TelemetryEvent) []FieldError {
	if len(events) == 0 {
		return []FieldError{{Field: "events", Message: "must contain at least one event"}}
	}
	var out []FieldError
	for i := range events {
		out = append(out, fieldErrors(validate.Struct(&events[i]), fmt.Sprintf("events[%d].", i))...)
	}
	return out
}

// ValidateStruct checks any struct carrying validate tags, reporting fields by their JSON names.
func ValidateStruct(v any) []FieldError {
	return fieldErrors(validate.Struct(v), "")
}

func fieldErrors(err error, prefix string) []FieldError {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: strings.TrimSuffix(prefix, "."), Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: prefix + fieldPath(fe.Namespace()), Message: message(fe)})
	}
	return out
}

// fieldPath drops the leading struct name validator puts on every namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "eventtype":
		names := make([]string, len(domain.EventTypes))
		for i, t := range domain.EventTypes {
			names[i] = string(t)
		}
		return fmt.Sprintf("must be one of %s, got %q", strings.Join(names, ", "), fe.Value())
	default:
		return "failed " + fe.Tag() + " check"
	}
}
