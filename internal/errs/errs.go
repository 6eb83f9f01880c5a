// Package errs defines the domain error taxonomy shared by the realtime
// components. Handlers map these to wire-level error messages and HTTP codes.
package errs

import (
	"errors"
	"fmt"
)

// Wire-level error codes sent back to the originating client.
const (
	CodeAuthentication    = "authentication_failed"
	CodeRateLimit         = "rate_limit_exceeded"
	CodePermission        = "permission_denied"
	CodeInvalidTransition = "invalid_transition"
	CodeValidation        = "validation_failed"
	CodeCollaborator      = "collaborator_failed"
)

// AuthenticationError indicates a bad or missing token. The connection is
// rejected before registration.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// RateLimitError indicates a per-user or per-session connection cap was hit.
type RateLimitError struct {
	Scope string // "user" or "session"
	Limit int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("connection limit exceeded: max %d per %s", e.Limit, e.Scope)
}

// PermissionError indicates an action attempted without the required role.
// State is left untouched.
type PermissionError struct {
	UserID     string
	Permission string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %s lacks permission %s", e.UserID, e.Permission)
}

// InvalidTransitionError indicates an illegal session state change request.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition: %s -> %s", e.From, e.To)
}

// ValidationError indicates a malformed message or oversized/undecodable
// audio chunk. The input is dropped and counted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// CollaboratorError wraps a failure from an external collaborator
// (transcription, persistence). Logged and counted, never fatal to a session.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s collaborator failed: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// Code maps a domain error to its wire-level error code. Unknown errors map
// to an empty code so callers can decide whether to echo them at all.
func Code(err error) string {
	var (
		authErr       *AuthenticationError
		rateErr       *RateLimitError
		permErr       *PermissionError
		transitionErr *InvalidTransitionError
		validationErr *ValidationError
		collabErr     *CollaboratorError
	)
	switch {
	case errors.As(err, &authErr):
		return CodeAuthentication
	case errors.As(err, &rateErr):
		return CodeRateLimit
	case errors.As(err, &permErr):
		return CodePermission
	case errors.As(err, &transitionErr):
		return CodeInvalidTransition
	case errors.As(err, &validationErr):
		return CodeValidation
	case errors.As(err, &collabErr):
		return CodeCollaborator
	default:
		return ""
	}
}

// IsRateLimit reports whether err is a RateLimitError.
func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

// IsPermission reports whether err is a PermissionError.
func IsPermission(err error) bool {
	var target *PermissionError
	return errors.As(err, &target)
}
