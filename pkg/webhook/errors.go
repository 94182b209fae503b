package webhook

import "errors"

var (
	// ErrNotConfigured is returned when a required collaborator or setting is missing
	ErrNotConfigured = errors.New("webhook receiver not configured")

	// ErrInvalidSalt is returned when the license salt is not valid hexadecimal
	ErrInvalidSalt = errors.New("license salt is not valid hexadecimal")

	// ErrUserNotFound is returned when no user record matches a lookup
	ErrUserNotFound = errors.New("user record not found")

	// ErrInvalidSignature is returned when webhook signature verification fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrUndecodablePayload is returned when an event payload cannot be decoded
	// in either the typed or the raw fallback shape
	ErrUndecodablePayload = errors.New("undecodable event payload")
)
