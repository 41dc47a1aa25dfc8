package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes assigned when the server does not supply its own.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeServerError     = "SERVER_ERROR"
	CodeHTTPError       = "HTTP_ERROR"
	CodeNetworkError    = "NETWORK_ERROR"
	CodeInvalidResponse = "INVALID_RESPONSE"
	CodeRequestError    = "REQUEST_ERROR"
)

// FallbackMessage is shown when neither the server nor the transport gave a
// usable message.
const FallbackMessage = "Something went wrong. Please try again."

// Error is the single failure shape returned by Client. Status is 0 when no
// HTTP response was received.
type Error struct {
	Message string
	Code    string
	Status  int
	Errors  map[string][]string
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d, %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// errorBody is the subset of a failure body the normalizer reads.
type errorBody struct {
	Message string              `json:"message"`
	Error   json.RawMessage     `json:"error"`
	Code    string              `json:"code"`
	Errors  map[string][]string `json:"errors"`
}

// Normalize converts an HTTP failure into an *Error. The server's message is
// preferred, then its error string, then the transport message. body may be
// nil or non-JSON.
func Normalize(status int, body []byte, cause error) *Error {
	e := &Error{
		Status: status,
		Code:   defaultCode(status),
		Err:    cause,
	}

	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		e.Message = strings.TrimSpace(eb.Message)
		if e.Message == "" {
			e.Message = errorString(eb.Error)
		}
		if eb.Code != "" {
			e.Code = eb.Code
		}
		if len(eb.Errors) > 0 {
			e.Errors = eb.Errors
		}
	}

	if e.Message == "" && cause != nil {
		e.Message = cause.Error()
	}
	if e.Message == "" && status > 0 {
		e.Message = fmt.Sprintf("Request failed with status %d", status)
	}
	if e.Message == "" {
		e.Message = FallbackMessage
	}
	return e
}

// errorString accepts both {"error":"text"} and {"error":{"message":"text"}}.
func errorString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return strings.TrimSpace(obj.Message)
	}
	return ""
}

func defaultCode(status int) string {
	switch {
	case status == 0:
		return CodeNetworkError
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status >= 500:
		return CodeServerError
	default:
		return CodeHTTPError
	}
}

func networkError(err error) *Error {
	msg := "Unable to reach the server. Check your connection and try again."
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "The request timed out. Please try again."
	} else if errors.Is(err, context.Canceled) {
		msg = "The request was cancelled."
	}
	return &Error{
		Message: msg,
		Code:    CodeNetworkError,
		Err:     err,
	}
}

func requestError(err error) *Error {
	return &Error{
		Message: "Could not build the request.",
		Code:    CodeRequestError,
		Err:     err,
	}
}

// AsError converts any error into an *Error. Errors that already are one pass
// through unchanged; anything else becomes a REQUEST_ERROR.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return networkError(err)
	}
	return &Error{
		Message: err.Error(),
		Code:    CodeRequestError,
		Err:     err,
	}
}

// IsNetwork reports whether err means the server could not be reached.
func IsNetwork(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == CodeNetworkError
}

// IsUnauthorized reports whether err is a 401 rejection.
func IsUnauthorized(err error) bool {
	return StatusOf(err) == http.StatusUnauthorized
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// UserMessage returns a short message suitable for display.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == CodeInvalidResponse:
			return "The server sent an unexpected response. Please try again."
		case apiErr.Code == CodeRequestError:
			return FallbackMessage
		case apiErr.Message != "":
			return apiErr.Message
		}
	}
	return FallbackMessage
}
