package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Direction names the endpoint set a request is dispatched to.
type Direction string

const (
	DirectionDownload Direction = "download"
	DirectionUpload   Direction = "upload"
)

// StatusError is a single non-2xx response from one endpoint.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: http status %d: %s", e.URL, e.StatusCode, e.Body)
}

// TransportError reports that every endpoint and attempt failed for a request.
// Err is the last failure encountered: a *StatusError or a connection error.
type TransportError struct {
	Method   string
	Path     string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("wasp transport: %s %s failed after %d attempt(s): %v", e.Method, e.Path, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status of the last failure, or 0 for connection errors.
func (e *TransportError) StatusCode() int {
	var statusErr *StatusError
	if errors.As(e.Err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// Body returns the response body of the last failure, if any.
func (e *TransportError) Body() string {
	var statusErr *StatusError
	if errors.As(e.Err, &statusErr) {
		return statusErr.Body
	}
	return ""
}

// RecordNotFoundError reports a 404 on a by-id lookup or mutate path.
type RecordNotFoundError struct {
	Path string
	Body string
}

func (e *RecordNotFoundError) Error() string {
	msg := "wasp: record not found"
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// RecordImmutableError reports an attempted mutation of an immutable record.
type RecordImmutableError struct {
	Path string
	Body string
}

func (e *RecordImmutableError) Error() string {
	msg := "wasp: record is immutable"
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// ActionFailedError reports a remote action that is unregistered or exited non-zero.
type ActionFailedError struct {
	Action     string
	StatusCode int
	Body       string
	Err        error
}

func (e *ActionFailedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("wasp: action %q failed with status %d: %s", e.Action, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("wasp: action %q failed: %v", e.Action, e.Err)
}

func (e *ActionFailedError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports that no endpoint is configured for a direction.
type ConfigurationError struct {
	Direction Direction
	Message   string
}

func (e *ConfigurationError) Error() string {
	if e.Message != "" {
		return "wasp configuration: " + e.Message
	}
	return fmt.Sprintf("wasp configuration: no %s endpoint configured", e.Direction)
}

// LocalResourceError reports a local filesystem problem: an unwritable
// destination or a file value without resolvable backing.
type LocalResourceError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalResourceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("wasp %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("wasp %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalResourceError) Unwrap() error {
	return e.Err
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that the retry loop stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}
	var notFound *RecordNotFoundError
	if errors.As(err, &notFound) {
		return false
	}
	var immutable *RecordImmutableError
	if errors.As(err, &immutable) {
		return false
	}
	var action *ActionFailedError
	if errors.As(err, &action) {
		return false
	}
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return false
	}
	var local *LocalResourceError
	if errors.As(err, &local) {
		return false
	}
	return true
}

// Unpermanent strips PermanentError wrappers so callers see the domain error.
func Unpermanent(err error) error {
	for {
		permanentErr, ok := err.(*PermanentError)
		if !ok {
			return err
		}
		err = permanentErr.Err
	}
}

// MentionsImmutable reports whether a server error body refers to record immutability.
func MentionsImmutable(body string) bool {
	return strings.Contains(strings.ToLower(body), "immutable")
}
