package openeo

import (
	"fmt"
	"net/http"
)

// APIError is an error response from an openEO backend.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("openeo %s: %d %s", e.Endpoint, e.StatusCode, e.Message)
	}

	return fmt.Sprintf(
		"openeo %s: %d [%s] %s",
		e.Endpoint,
		e.StatusCode,
		e.Code,
		e.Message,
	)
}

// Temporary reports whether repeating the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
