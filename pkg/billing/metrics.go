package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
type Metrics interface {
	// RecordStatusCheck records a subscription status check.
	// status: "success" or "error"
	RecordStatusCheck(provider, status string)

	// RecordStatusCheckDuration records how long a status check took.
	RecordStatusCheckDuration(provider string, duration time.Duration)

	// RecordTrialStarted records a trial provisioned on first check.
	RecordTrialStarted(provider string)

	// RecordTierChange records when a subscriber's plan changes.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/subscribers/{id}")
	// status: HTTP status code as string (e.g., "200", "404", "500")
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordStatusCheck(_, _ string)                      {}
func (n *NoopMetrics) RecordStatusCheckDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordTrialStarted(_ string)                        {}
func (n *NoopMetrics) RecordTierChange(_, _, _ string)                    {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                       {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration) {}
