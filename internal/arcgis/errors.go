package arcgis

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCircuitOpen is returned when the circuit breaker refuses a request
var ErrCircuitOpen = errors.New("arcgis: circuit breaker open, portal requests suspended")

// Error is the error envelope returned by the REST API, usually with an
// HTTP 200 status.
type Error struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("arcgis error %d: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// IsTokenError reports whether the portal rejected the token
func (e *Error) IsTokenError() bool {
	return e.Code == 498 || e.Code == 499
}

// StatusError is returned for non-200 HTTP responses
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("arcgis: %s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

// EditError describes a single rejected edit
type EditError struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// EditFailure is returned when the service rejected one or more edits
type EditFailure struct {
	Operation string
	Failed    []EditResult
}

func (e *EditFailure) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, r := range e.Failed {
		desc := "unknown error"
		if r.Error != nil {
			desc = fmt.Sprintf("%d %s", r.Error.Code, r.Error.Description)
		}
		parts = append(parts, fmt.Sprintf("objectId %d: %s", r.ObjectID, desc))
	}
	return fmt.Sprintf("arcgis: %s rejected %d edit(s): %s", e.Operation, len(e.Failed), strings.Join(parts, ", "))
}
