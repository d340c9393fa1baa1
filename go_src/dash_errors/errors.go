package dash_errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs an open connection and there is none.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrConnectionClosed is returned to a pending connect attempt that was cut short by Disconnect.
	ErrConnectionClosed = errors.New("websocket connection closed by operator")
	// ErrConnectionLost marks the terminal state reached after the reconnect budget is spent.
	ErrConnectionLost = errors.New("websocket connection lost: reconnect attempts exhausted")
	// ErrNoInstruments is returned when a data request names no instrument.
	ErrNoInstruments = errors.New("at least one instrument must be selected")
)

// ServerError carries an error-tagged frame pushed by the feed server.
type ServerError struct {
	Message string
	Details interface{}
}

func (e *ServerError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("ServerError: %s (Details: %v)", e.Message, e.Details)
	}
	return fmt.Sprintf("ServerError: %s", e.Message)
}

// NewServerError creates a ServerError.
func NewServerError(message string, details interface{}) *ServerError {
	return &ServerError{Message: message, Details: details}
}

// DecodeError reports a data payload that is not valid JSON.
type DecodeError struct {
	Source string // e.g. "init frame payload"
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("DecodeError: invalid JSON in %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewDecodeError creates a DecodeError.
func NewDecodeError(source string, err error) *DecodeError {
	return &DecodeError{Source: source, Err: err}
}

// APIRequestError is returned by the REST client for non-2xx responses.
type APIRequestError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Message    string
	Response   string
}

func (e *APIRequestError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Response
		if len(msg) > 100 {
			msg = msg[:100] + "..."
		}
	}
	return fmt.Sprintf("APIRequestError: %s %s failed (Status: %d): %s", e.Method, e.Endpoint, e.StatusCode, msg)
}

// IsNotFound reports whether err is an APIRequestError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIRequestError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ConfigError: %s %s", e.Field, e.Reason)
}

// NewConfigError creates a ConfigError.
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}
