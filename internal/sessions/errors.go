package sessions

import "fmt"

// ValidationError rejects bad input before any mutation. Code is machine
// readable, Field names the offending parameter.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validation error codes.
const (
	CodeUnknownField    = "unknown_field"
	CodeInvalidValue    = "invalid_value"
	CodeWriteOnce       = "write_once"
	CodeModelNotAllowed = "model_not_allowed"
	CodeProtectedKey    = "protected_key"
	CodeUnknownKey      = "unknown_key"
)

// CorruptStoreError marks a store file that exists but cannot be parsed.
// Distinct from an absent file, which loads as an empty store: a corrupt
// store must never be silently replaced with an empty one.
type CorruptStoreError struct {
	Path string
	Err  error
}

func (e *CorruptStoreError) Error() string {
	return fmt.Sprintf("session store corrupt: %s: %v", e.Path, e.Err)
}

func (e *CorruptStoreError) Unwrap() error { return e.Err }
