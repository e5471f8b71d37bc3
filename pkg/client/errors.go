package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is an error answer from the server, decoded from the uniform
// {error_type, error_message, details} envelope.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Type, e.StatusCode, e.Message)
}

// NotFound reports whether the server answered 404.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// ConnectError is a transport failure: the server could not be reached at
// all. The CLI maps it to a distinct exit code.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("cannot reach server at %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

const maxRawErrorLen = 200

// decodeAPIError parses the error envelope, falling back to the raw body for
// answers that did not come from the arena handlers (proxies, middleboxes).
func decodeAPIError(status int, body []byte) *APIError {
	var envelope struct {
		ErrorType    string         `json:"error_type"`
		ErrorMessage string         `json:"error_message"`
		Details      map[string]any `json:"details"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.ErrorType == "" {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxRawErrorLen {
			msg = msg[:maxRawErrorLen]
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &APIError{StatusCode: status, Type: "UNKNOWN", Message: msg}
	}
	return &APIError{
		StatusCode: status,
		Type:       envelope.ErrorType,
		Message:    envelope.ErrorMessage,
		Details:    envelope.Details,
	}
}
