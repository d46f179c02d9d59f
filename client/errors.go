package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// ErrorCode is a stable classifier for fe-atlas API errors.
type ErrorCode string

const (
	ErrorCodeUnknown         ErrorCode = "unknown"
	ErrorCodeCanceled        ErrorCode = "canceled"
	ErrorCodeInvalidArgument ErrorCode = "invalid_argument"
	ErrorCodeNotFound        ErrorCode = "not_found"
	ErrorCodeForbidden       ErrorCode = "forbidden"
	ErrorCodeBusy            ErrorCode = "busy"
	ErrorCodeTooLarge        ErrorCode = "too_large"
	ErrorCodeUnavailable     ErrorCode = "unavailable"
	ErrorCodeInternal        ErrorCode = "internal"
)

// APIError is a non-200 response from one of the JSON routes.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fe-atlas: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("fe-atlas: HTTP %d: %s", e.StatusCode, e.Message)
}

func newAPIError(status int, payload []byte) *APIError {
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(payload))
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: status, Message: msg}
}

// ErrCode classifies errors returned by Client methods.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest:
			return ErrorCodeInvalidArgument
		case http.StatusForbidden, http.StatusUnauthorized:
			return ErrorCodeForbidden
		case http.StatusNotFound:
			return ErrorCodeNotFound
		case http.StatusConflict:
			return ErrorCodeBusy
		case http.StatusRequestEntityTooLarge:
			return ErrorCodeTooLarge
		case http.StatusServiceUnavailable:
			return ErrorCodeUnavailable
		default:
			if apiErr.StatusCode >= 500 {
				return ErrorCodeInternal
			}
			return ErrorCodeUnknown
		}
	}

	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		switch connectErr.Code() {
		case connect.CodeCanceled:
			return ErrorCodeCanceled
		case connect.CodeInvalidArgument:
			return ErrorCodeInvalidArgument
		case connect.CodeNotFound:
			return ErrorCodeNotFound
		case connect.CodeUnavailable:
			return ErrorCodeUnavailable
		case connect.CodeInternal:
			return ErrorCodeInternal
		}
	}
	return ErrorCodeUnknown
}
