package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Struct validator that reports field names from their mapstructure or
// json tags so config errors point at the key the user actually wrote.
type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	return cv.validator.Struct(i)
}

func Create() CustomValidator {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		msName := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if msName != "" {
			return msName
		}

		jsonName := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if jsonName == "-" {
			return ""
		}
		if jsonName == "-," {
			return "-"
		}
		return jsonName
	})

	return CustomValidator{validator: validate}
}
