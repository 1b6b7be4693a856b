package models

import "github.com/go-playground/validator/v10"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator returns the shared struct validator used for model definitions.
func Validator() *validator.Validate {
	return validate
}
