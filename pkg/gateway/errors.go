package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed request once, where the transport error is first observed.
type ErrorKind int

const (
	// KindOther covers network failures and anything not listed below.
	KindOther ErrorKind = iota
	// KindCancelled means the caller's context was cancelled or timed out.
	KindCancelled
	// KindUnauthorized means the request ended with an authorization failure.
	KindUnauthorized
)

func (kind ErrorKind) String() string {
	switch kind {
	case KindCancelled:
		return "cancelled"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "other"
	}
}

var (
	// ErrRefreshUnavailable is returned for a 401 when no refresh token is stored.
	ErrRefreshUnavailable = errors.New("gateway.refresh_unavailable")
	// ErrAlreadyRetried is returned when a reissued request is rejected again.
	ErrAlreadyRetried = errors.New("gateway.already_retried")
	// ErrRefreshFailed wraps the refresher's error for every caller waiting on that refresh.
	ErrRefreshFailed = errors.New("gateway.refresh_failed")
	// ErrUnauthorized is the base cause of a 401 response.
	ErrUnauthorized = errors.New("gateway.unauthorized")
)

// RequestError is returned by Gateway.Do for every failed call.
type RequestError struct {
	Kind       ErrorKind
	Method     string
	URL        string
	StatusCode int
	Err        error
}

func (requestErr *RequestError) Error() string {
	if requestErr.StatusCode != 0 {
		return fmt.Sprintf("gateway.%s: %s %s: status %d: %v", requestErr.Kind, requestErr.Method, requestErr.URL, requestErr.StatusCode, requestErr.Err)
	}
	return fmt.Sprintf("gateway.%s: %s %s: %v", requestErr.Kind, requestErr.Method, requestErr.URL, requestErr.Err)
}

func (requestErr *RequestError) Unwrap() error {
	return requestErr.Err
}

// KindOf extracts the error kind, defaulting to KindOther for foreign errors.
func KindOf(err error) ErrorKind {
	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr.Kind
	}
	if isCancellation(err) {
		return KindCancelled
	}
	return KindOther
}

// IsCancelled reports whether err is a cancellation surfaced by the gateway.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// IsUnauthorized reports whether err is an authorization failure surfaced by the gateway.
func IsUnauthorized(err error) bool {
	return KindOf(err) == KindUnauthorized
}

// classify turns a transport error or response into an error kind.
func classify(request *http.Request, response *http.Response, transportErr error) ErrorKind {
	if transportErr != nil {
		if isCancellation(transportErr) || (request != nil && request.Context().Err() != nil) {
			return KindCancelled
		}
		return KindOther
	}
	if response != nil && response.StatusCode == http.StatusUnauthorized {
		return KindUnauthorized
	}
	return KindOther
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func newRequestError(kind ErrorKind, request *http.Request, statusCode int, err error) *RequestError {
	requestErr := &RequestError{Kind: kind, StatusCode: statusCode, Err: err}
	if request != nil {
		requestErr.Method = request.Method
		if request.URL != nil {
			requestErr.URL = request.URL.Redacted()
		}
	}
	return requestErr
}
