package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the failure kinds a transport can report.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNetwork           = errors.New("network error")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedResponse = errors.New("malformed response")
	ErrRemote            = errors.New("remote error")
)

// Session state machine errors.
var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrEmptyCredential   = errors.New("credential is required")
	ErrSessionStale      = errors.New("session superseded")
)

// APIError describes a failed remote call. Kind is one of the sentinel
// errors above and is what errors.Is matches against.
type APIError struct {
	Kind        error
	Op          string
	Code        int
	Description string
	RetryAfter  time.Duration
	Err         error
}

func (e *APIError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Code != 0 {
		fmt.Fprintf(&b, " (%d)", e.Code)
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Is(target error) bool {
	return e.Kind == target
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether a polling cycle that failed with err should
// be retried after a backoff.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrUnauthorized) {
		return false
	}
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrMalformedResponse) ||
		errors.Is(err, ErrRemote)
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// DisplayMessage converts err into text suitable for showing to the user.
// The remote description is returned verbatim when there is one.
func DisplayMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Description != "" {
			return apiErr.Description
		}
		switch apiErr.Kind {
		case ErrUnauthorized:
			return "Unauthorized"
		case ErrRateLimited:
			if apiErr.RetryAfter > 0 {
				return fmt.Sprintf("Too many requests, retry in %s", apiErr.RetryAfter)
			}
			return "Too many requests"
		case ErrMalformedResponse:
			return "Unexpected response from server"
		case ErrNetwork:
			if apiErr.Err != nil {
				return "Network error: " + apiErr.Err.Error()
			}
			return "Network error"
		}
	}
	return err.Error()
}
