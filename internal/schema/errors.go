package schema

import "errors"

var (
	// ErrValidationFailed is returned by ValidateAndDecide under
	// PolicyHardFail when a payload does not match its schema.
	ErrValidationFailed = errors.New("schema: validation failed")
	// ErrSubjectNotFound is returned when a schema subject has no
	// registered versions.
	ErrSubjectNotFound = errors.New("schema: subject not found")
	// ErrVersionNotFound is returned when a specific subject/version pair
	// has not been registered.
	ErrVersionNotFound = errors.New("schema: version not found")
)
