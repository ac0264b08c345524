package models

import (
	"errors"
	"fmt"
)

// ErrMalformedPayload is wrapped by MalformedPayloadError.
var ErrMalformedPayload = errors.New("malformed negotiation payload")

// ErrNoSubscriber is wrapped by DeliveryError.
var ErrNoSubscriber = errors.New("room has no active subscriber")

// ValidationError means a message failed its construction rules and was not stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// MalformedPayloadError marks a negotiation message whose text is not a valid payload.
type MalformedPayloadError struct {
	MessageID string
	Err       error
}

func (e *MalformedPayloadError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("%v: %v", ErrMalformedPayload, e.Err)
	}
	return fmt.Sprintf("%v (message %s): %v", ErrMalformedPayload, e.MessageID, e.Err)
}

func (e *MalformedPayloadError) Unwrap() []error {
	return []error{ErrMalformedPayload, e.Err}
}

// DeliveryError is returned when an event could not reach any subscriber of a room.
// The underlying status change is already persisted.
type DeliveryError struct {
	Room  string
	Event string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("event %s dropped for room %s: %v", e.Event, e.Room, ErrNoSubscriber)
}

func (e *DeliveryError) Unwrap() error {
	return ErrNoSubscriber
}

// AuthorizationError is returned when a caller acts on an identity it does not own.
type AuthorizationError struct {
	Action string
	Caller string
	Target string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: user %s may not act as %s", e.Action, e.Caller, e.Target)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsAuthorization reports whether err is (or wraps) an AuthorizationError.
func IsAuthorization(err error) bool {
	var a *AuthorizationError
	return errors.As(err, &a)
}
