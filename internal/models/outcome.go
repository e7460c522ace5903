package models

import (
	"context"
	"fmt"
)

// Request is a decoded invoker request handed to an operation.
type Request struct {
	ID     string
	Method string
	Path   string
	Body   map[string]any
}

func NewRequest(id, method, path string, body map[string]any) *Request {
	if body == nil {
		body = map[string]any{}
	}
	return &Request{
		ID:     id,
		Method: method,
		Path:   path,
		Body:   body,
	}
}

// Outcome is the completed result of an operation: the status code and the
// JSON-able body written back to the invoker.
type Outcome struct {
	Code     int
	Response any
}

// Failure is a controlled failure. A well formed Failure becomes an ordinary
// HTTP response instead of an internal error.
type Failure struct {
	Code     int
	Response any
}

func (f *Failure) Error() string {
	return fmt.Sprintf("operation failed with status %d", f.Code)
}

// WellFormed reports whether the failure carries a usable status and body.
func (f *Failure) WellFormed() bool {
	return f != nil && ValidStatus(f.Code) && f.Response != nil
}

// ValidStatus reports whether code can be written as an HTTP status.
func ValidStatus(code int) bool {
	return code >= 100 && code <= 999
}

// Fail builds a controlled failure with the usual {"error": msg} body.
func Fail(code int, msg string) *Failure {
	return &Failure{
		Code:     code,
		Response: map[string]any{"error": msg},
	}
}

// Operation is a business-logic operation behind /init or /run. It reports
// controlled failures by returning a *Failure; any other error is treated as
// an internal fault.
type Operation func(ctx context.Context, req *Request) (*Outcome, error)
