package genquota

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is returned when the daily session limit is reached
	ErrQuotaExceeded = errors.New("daily generation limit reached")

	// ErrContentMissing is returned when a generation request has no source content
	ErrContentMissing = errors.New("content missing")

	// ErrInvokeFailed is returned when the generator call fails or returns malformed data
	ErrInvokeFailed = errors.New("generation failed")

	// ErrEmptyResult is returned when the generator succeeds with zero items
	ErrEmptyResult = errors.New("generation returned no items")

	// ErrEntitlementFetchFailed is returned alongside the free fallback when status cannot be fetched
	ErrEntitlementFetchFailed = errors.New("entitlement fetch failed")

	// ErrInvalidGenerationType is returned for unknown generation types
	ErrInvalidGenerationType = errors.New("invalid generation type")

	// ErrInvalidUserID is returned when the user ID is empty
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDeckNotFound is returned when a saved deck does not exist
	ErrDeckNotFound = errors.New("deck not found")
)

// QuotaExceededError carries the limits snapshot that caused the rejection
type QuotaExceededError struct {
	Snapshot *LimitsSnapshot
}

func (e *QuotaExceededError) Error() string {
	if e.Snapshot == nil {
		return ErrQuotaExceeded.Error()
	}
	return fmt.Sprintf("%s: %s used %d of %d sessions, resets at %s",
		ErrQuotaExceeded, e.Snapshot.Type, e.Snapshot.Used, e.Snapshot.MaxSessions,
		e.Snapshot.ResetsAt.Format("2006-01-02T15:04:05Z07:00"))
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// InvokeError describes a failed generator call.
// Message is the upstream error text when the generator reported one.
type InvokeError struct {
	Type    GenerationType
	Message string
	Err     error
}

func (e *InvokeError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", ErrInvokeFailed, e.Type)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvokeFailed, e.Type, msg)
}

func (e *InvokeError) Unwrap() error {
	return e.Err
}

func (e *InvokeError) Is(target error) bool {
	return target == ErrInvokeFailed
}
