package validator

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var jobTypeRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// jobTypeValidator accepts snake_case processor names.
func jobTypeValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return jobTypeRegex.MatchString(val)
}
