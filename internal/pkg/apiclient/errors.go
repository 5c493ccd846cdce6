package apiclient

import (
	"fmt"
	"net/http"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
)

// Class separates failures worth retrying from failures that will not change.
type Class int

const (
	ClassTransient Class = iota
	ClassTerminal
)

func (c Class) String() string {
	if c == ClassTerminal {
		return "terminal"
	}
	return "transient"
}

// RequestError is the only error type Call returns.
type RequestError struct {
	Class      Class
	Endpoint   string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s %s [%d]: %s", e.Class, e.Endpoint, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s [%d]", e.Class, e.Endpoint, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Class, e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("%s %s: %s", e.Class, e.Endpoint, e.Message)
	}
}

func (e *RequestError) Unwrap() error { return e.Err }

// Is lets callers test the class with errors.Is(err, presence.ErrTransient).
func (e *RequestError) Is(target error) bool {
	switch target {
	case presence.ErrTransient:
		return e.Class == ClassTransient
	case presence.ErrTerminal:
		return e.Class == ClassTerminal
	}
	return false
}

func (e *RequestError) Retryable() bool { return e.Class == ClassTransient }

// IsRetryableStatus reports whether an HTTP status is worth retrying:
// server errors, rate limiting and request timeouts.
func IsRetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func statusError(endpoint string, code int, detail *presence.ErrorDetail) *RequestError {
	class := ClassTerminal
	if IsRetryableStatus(code) {
		class = ClassTransient
	}
	e := &RequestError{Class: class, Endpoint: endpoint, StatusCode: code}
	if detail != nil {
		e.Code = detail.Code
		e.Message = detail.Message
	}
	if e.Message == "" {
		e.Message = http.StatusText(code)
	}
	return e
}

func transientError(endpoint string, err error) *RequestError {
	return &RequestError{Class: ClassTransient, Endpoint: endpoint, Err: err}
}

func terminalError(endpoint, message string, err error) *RequestError {
	return &RequestError{Class: ClassTerminal, Endpoint: endpoint, Message: message, Err: err}
}
