package client

import (
	"fmt"
	"net/http"
)

// ErrorKind is what a caller branches on after a failed call.
type ErrorKind int

const (
	// KindTransient failures are retried and only slow syncing down.
	KindTransient ErrorKind = iota + 1
	// KindNotFound means the conversation expired or never existed.
	KindNotFound
	// KindBadRequest means the request itself was rejected.
	KindBadRequest
	// KindFatal means the deployment is misconfigured. Retrying cannot help.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the only error type returned by Client calls.
type Error struct {
	Kind ErrorKind
	Code int
	Msg  string
	Err  error
}

var (
	ErrTransient  = &Error{Kind: KindTransient}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrBadRequest = &Error{Kind: KindBadRequest}
	ErrFatal      = &Error{Kind: KindFatal}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == 0 && t.Msg == "" && t.Kind == e.Kind
}

// classify maps a response code onto an error kind.
func classify(code int) ErrorKind {
	switch {
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests,
		code == http.StatusBadGateway, code == http.StatusServiceUnavailable, code == http.StatusGatewayTimeout:
		return KindTransient
	case code >= 400 && code < 500:
		return KindBadRequest
	default:
		return KindFatal
	}
}
