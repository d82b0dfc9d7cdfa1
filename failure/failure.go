// Package failure defines the error taxonomy shared by every stage of a
// capture session and the structured report returned to callers.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies why a session stopped
type Kind string

const (
	KindMissingCredentials Kind = "MissingCredentialsError"
	KindProvision          Kind = "ProvisionError"
	KindLaunch             Kind = "LaunchError"
	KindElementNotFound    Kind = "ElementNotFoundError"
	KindTimeout            Kind = "TimeoutError"
	KindCapture            Kind = "CaptureError"
	KindCleanup            Kind = "CleanupError"
)

// Sentinels for errors.Is matching against a kind
var (
	ErrMissingCredentials = &Error{Kind: KindMissingCredentials}
	ErrProvision          = &Error{Kind: KindProvision}
	ErrLaunch             = &Error{Kind: KindLaunch}
	ErrElementNotFound    = &Error{Kind: KindElementNotFound}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrCapture            = &Error{Kind: KindCapture}
	ErrCleanup            = &Error{Kind: KindCleanup}
)

// Error is a classified session error
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and the operation that produced it
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// FromContext classifies a step that stopped because its parent context
// ended. A deadline means the session budget ran out; anything else is a
// caller cancellation such as Ctrl-C.
func FromContext(ctx context.Context, op string, err error) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return New(KindTimeout, op+": session budget exhausted", err)
	}
	return New(KindTimeout, op+": session cancelled", err)
}

// Report is the structured failure handed back to callers
type Report struct {
	ErrorKind Kind   `json:"error_kind"`
	Detail    string `json:"detail"`
}

// ReportFrom converts err into a Report. Unclassified errors are reported
// under the kind supplied as fallback.
func ReportFrom(err error, fallback Kind) *Report {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		detail := fe.Op
		if fe.Err != nil {
			if detail != "" {
				detail += ": "
			}
			detail += fe.Err.Error()
		}
		return &Report{ErrorKind: fe.Kind, Detail: detail}
	}
	return &Report{ErrorKind: fallback, Detail: err.Error()}
}
