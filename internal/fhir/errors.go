package fhir

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransport means the endpoint could not be reached or failed server-side.
	ErrTransport = errors.New("fhir transport error")
	// ErrNotFound means the referenced resource does not exist.
	ErrNotFound = errors.New("fhir resource not found")
	// ErrProtocol means the endpoint answered with a malformed or unexpected payload.
	ErrProtocol = errors.New("fhir protocol error")
	// ErrInitialization means the startup capability check failed.
	ErrInitialization = errors.New("fhir client initialization failed")
)

// RequestError describes a failed interaction with a clinical endpoint.
// It unwraps to one of the sentinel errors above and to the underlying cause.
type RequestError struct {
	Op           string
	Endpoint     string
	ResourceType ResourceType
	ID           string
	PatientID    string
	StatusCode   int
	Err          error
}

func (e *RequestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Op, e.Endpoint)
	if e.ResourceType != "" {
		fmt.Fprintf(&b, " %s", e.ResourceType)
	}
	if e.ID != "" {
		fmt.Fprintf(&b, "/%s", e.ID)
	}
	if e.PatientID != "" {
		fmt.Fprintf(&b, " patient=%s", e.PatientID)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx HTTP status to a sentinel error.
func classifyStatus(status int) error {
	switch {
	case status == 404 || status == 410:
		return ErrNotFound
	case status >= 500:
		return ErrTransport
	default:
		return ErrProtocol
	}
}
