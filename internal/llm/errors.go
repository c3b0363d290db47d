package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Backend failure kinds. Callers treat them uniformly; the distinction
// only shows in logs and in the text of a user-visible error reply.
var (
	ErrMalformedResponse = errors.New("malformed response")
	ErrTimeout           = errors.New("request timed out")
	ErrRequest           = errors.New("request failed")
)

// HTTPError is returned when the backend answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// classifyTransportError maps an error from http.Client.Do onto
// ErrTimeout or ErrRequest.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrRequest, err)
}

// ErrorReply renders a backend failure as the text shown to the user in
// place of a generated reply.
func ErrorReply(err error) string {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		return "HTTP error occurred: " + httpErr.Error()
	case errors.Is(err, ErrMalformedResponse):
		return "JSON decode error: " + err.Error()
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrRequest):
		return "Request error occurred: " + err.Error()
	default:
		return "Error occurred: " + err.Error()
	}
}
