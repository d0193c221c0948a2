package errors

import (
	"errors"
	"fmt"
)

// Common error types for the session layer
var (
	// Transport errors
	ErrNetwork           = errors.New("network error")
	ErrMalformedResponse = errors.New("malformed response")

	// Token errors
	ErrTokenExpired   = errors.New("access token expired")
	ErrRefreshFailure = errors.New("session invalidated: token refresh failed")
	ErrSessionEnded   = errors.New("session ended during refresh")
	ErrUnauthorized   = errors.New("unauthorized")

	// Authentication errors
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrRegistrationFailed  = errors.New("registration failed")
	ErrPartialCredential   = errors.New("partial credential")
	ErrNotSignedIn         = errors.New("not signed in")
	ErrCredentialUnsealing = errors.New("credential record could not be opened")

	// Realtime errors
	ErrNotConnected  = errors.New("realtime channel not connected")
	ErrAuthRejected  = errors.New("realtime channel rejected credentials")
	ErrChannelClosed = errors.New("realtime channel closed")
)

// APIError is a non-success response from a business endpoint. It carries the
// server-provided message and has no effect on the session.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Message returns the server message carried by err, or its text.
func Message(err error) string {
	var apiErr *APIError
	if As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
