package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-success HTTP answer from a FHIR server.
type StatusError struct {
	StatusCode int
	Outcome    *OperationOutcome
}

func (e *StatusError) Error() string {
	if e.Outcome != nil && len(e.Outcome.Issue) > 0 && e.Outcome.Issue[0].Diagnostics != "" {
		return fmt.Sprintf("fhir server returned status %d: %s", e.StatusCode, e.Outcome.Issue[0].Diagnostics)
	}
	return fmt.Sprintf("fhir server returned status %d", e.StatusCode)
}

// Temporary reports whether the request may succeed when repeated.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsTemporary reports whether err is a StatusError that may succeed on retry.
func IsTemporary(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return false
}
