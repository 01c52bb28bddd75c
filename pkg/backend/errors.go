package backend

import (
	"errors"
	"fmt"
)

// Error record codes
const (
	CodeNotFound    = "not_found"
	CodeInvalid     = "invalid_request"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
	CodeStream      = "stream_error"
)

// ErrorRecord is an error reported by the backend
type ErrorRecord struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *ErrorRecord) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// NotFound builds a not_found record
func NotFound(format string, args ...interface{}) *ErrorRecord {
	return &ErrorRecord{Message: fmt.Sprintf(format, args...), Type: "lookup", Code: CodeNotFound}
}

// Invalid builds an invalid_request record
func Invalid(format string, args ...interface{}) *ErrorRecord {
	return &ErrorRecord{Message: fmt.Sprintf(format, args...), Type: "validation", Code: CodeInvalid}
}

// AsErrorRecord extracts an error record from err's chain
func AsErrorRecord(err error) (*ErrorRecord, bool) {
	var rec *ErrorRecord
	if errors.As(err, &rec) {
		return rec, true
	}
	return nil, false
}

// IsNotFound reports whether err carries a not_found record
func IsNotFound(err error) bool {
	rec, ok := AsErrorRecord(err)
	return ok && rec.Code == CodeNotFound
}
