// Package validate checks migrator settings with go-playground/validator
// and reports failures by their JSON option names.
package validate

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// FieldError is a rejected option.
type FieldError struct {
	Option string `json:"option"`
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

func (e FieldError) Error() string {
	return e.Option + ": " + e.Reason
}

// Errors lists every rejected option of a struct.
type Errors []FieldError

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Error()
	}

	return strings.Join(msgs, "; ")
}

//nolint:gochecknoglobals
var instance = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("namespace", validateNamespace)
	_ = v.RegisterValidation("mongouri", validateMongoURI)

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}

		return name
	})

	return v
})

// Struct validates s against its `validate` tags.
// A failure is returned as Errors.
func Struct(s any) error {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors) //nolint:errorlint
	if !ok {
		return err //nolint:wrapcheck
	}

	errs := make(Errors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, FieldError{
			Option: fe.Field(),
			Rule:   fe.Tag(),
			Reason: reason(fe),
		})
	}

	return errs
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "namespace":
		return fmt.Sprintf("%q must be a namespace in the form db.collection", fe.Value())
	case "mongouri":
		return "must be a valid MongoDB connection string"
	}

	return "violates the " + fe.Tag() + " rule"
}
