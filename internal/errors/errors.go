package errors

import "errors"

// This package defines a centralized set of sentinel errors for the application.
// Services return these (wrapped with context) and the API layer uses
// `errors.Is()` to map them to HTTP responses.

var (
	// ErrNotFound signifies that a requested conversation or message could not be located.
	// This is typically mapped to a 404 Not Found HTTP status.
	ErrNotFound = errors.New("resource not found")

	// ErrValidation signifies that input data provided by a client failed
	// business rule validation.
	// This is typically mapped to a 400 Bad Request HTTP status.
	ErrValidation = errors.New("validation failed")

	// ErrBusy is returned when a message is submitted while another turn is
	// still streaming. Only one turn may be in flight process-wide.
	// This is typically mapped to a 409 Conflict HTTP status.
	ErrBusy = errors.New("a response is already being generated")
)
