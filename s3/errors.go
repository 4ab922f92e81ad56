package s3

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrResponseConsumed is returned when a response body is taken a
	// second time, or after the response was closed.
	ErrResponseConsumed = errors.New("s3: response body already consumed")

	// ErrPartTooSmall is returned when a multipart part other than the
	// last is below the service minimum.
	ErrPartTooSmall = fmt.Errorf("s3: part smaller than the %d byte minimum", MinPartSize)

	// ErrObjectNotFound is returned by object operations when the remote
	// reports 404 for the key.
	ErrObjectNotFound = errors.New("s3: object not found")
)

// APIError is a non-2xx response from the service, carrying the status
// code and the structured error body when one was present. The client does
// not reinterpret these; a signature mismatch or expired timestamp arrives
// here exactly as the service reported it.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Resource   string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("s3: remote rejected request: status %d", e.StatusCode)
	}
	return fmt.Sprintf("s3: remote rejected request: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// apiError drains resp and builds an APIError from its status and body.
// The body is best-effort: HEAD responses and truncated streams still
// produce a usable error from the status code alone.
func apiError(resp *Response) error {
	err := &APIError{StatusCode: resp.StatusCode}
	if b, readErr := resp.readAll(); readErr == nil && len(b) > 0 {
		var doc errorResponse
		if xml.Unmarshal(b, &doc) == nil {
			err.Code = doc.Code
			err.Message = doc.Message
			err.Resource = doc.Resource
		}
	}
	return err
}

// checkStatus returns nil for 2xx responses. Anything else is drained into
// an APIError, with 404 additionally wrapped so callers can test for
// ErrObjectNotFound.
func checkStatus(resp *Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := apiError(resp)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	}
	return err
}
