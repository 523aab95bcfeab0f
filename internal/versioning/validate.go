package versioning

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	if err := validate.RegisterValidation("branchname", validateBranchName); err != nil {
		panic(fmt.Sprintf("register branchname validation: %v", err))
	}
}

// validateBranchName accepts names usable as git ref components.
func validateBranchName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if !branchNamePattern.MatchString(name) {
		return false
	}
	return !strings.Contains(name, "..") && !strings.HasSuffix(name, "/") && !strings.HasSuffix(name, ".lock")
}

// validateInput runs struct validation and reports the first failure as a
// ValidationError.
func validateInput(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	first := fieldErrs[0]
	return &ValidationError{Field: first.Field(), Message: describeRule(first)}
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	case "gtefield":
		return fmt.Sprintf("must not be less than %s", fe.Param())
	case "branchname":
		return "must start with a letter or digit and contain only letters, digits, '.', '_', '-' or '/'"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
