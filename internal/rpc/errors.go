package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrFileRejected is returned by Upload when the chosen file does not match the
// procedure's file filter. Nothing is sent to the server in that case.
var ErrFileRejected = errors.New("file rejected by filter")

// TransportError reports a network failure (StatusCode 0) or a non-2xx response.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error: %v", e.Err)
	}

	return fmt.Sprintf("transport error: status %d: %s", e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is, or wraps, a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// PayloadError returns the sentinel carried in a successful response body, such
// as BadFileFormatError, or "" when the payload signals none. Both
// {"error": "..."} and a bare JSON string are recognised.
func PayloadError(payload json.RawMessage) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && isSentinel(body.Error) {
		return body.Error
	}

	var bare string
	if err := json.Unmarshal(payload, &bare); err == nil && isSentinel(bare) {
		return bare
	}

	return ""
}

func isSentinel(s string) bool {
	return s == BadFileFormatError || s == AddObjectError
}
