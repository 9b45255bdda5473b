package httputil

import "github.com/outflow/outflow-backend/pkg/validation"

// Validate validates a decoded request body
func Validate(v interface{}) error {
	return validation.Struct(v)
}
