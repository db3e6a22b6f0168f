package models

import "errors"

// Ingestion error taxonomy. Wrap these with fmt.Errorf("...: %w") and match with errors.Is.
var (
	// ErrInvalidPayload marks a missing or malformed required field.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnknownDevice marks an identifier that resolves to no driver.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrStorageFailure marks a backing store read or write error.
	ErrStorageFailure = errors.New("storage failure")
)
