package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrUserNotFound is returned when a user cannot be found in the provider's system
	ErrUserNotFound = errors.New("user not found in billing provider")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrSubscriberNotFound is returned when no subscriber record exists for a user
	ErrSubscriberNotFound = errors.New("subscriber not found")

	// ErrUnauthorized is returned when the provider rejects the caller's credentials
	ErrUnauthorized = errors.New("billing provider rejected credentials")
)
