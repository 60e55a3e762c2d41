package genquota

import "time"

// Generation outcomes reported to Metrics.RecordGeneration.
const (
	OutcomeSuccess = "success"
	OutcomeEmpty   = "empty"
	OutcomeFailed  = "failed"
)

// Metrics defines the interface for tracking admission, generation and ledger activity.
type Metrics interface {
	// RecordAdmission records whether a generation request was admitted.
	RecordAdmission(genType, tier string, admitted bool)

	// RecordGeneration records the outcome and latency of a generator call.
	RecordGeneration(genType, outcome string, duration time.Duration)

	// RecordConsumption records a session debit against the daily ledger.
	RecordConsumption(genType, tier string, success bool)

	// RecordStatusFetch records a call to the subscription status source.
	RecordStatusFetch(success bool, duration time.Duration)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "status").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAdmission(genType, tier string, admitted bool)                        {}
func (n *NoopMetrics) RecordGeneration(genType, outcome string, duration time.Duration)           {}
func (n *NoopMetrics) RecordConsumption(genType, tier string, success bool)                       {}
func (n *NoopMetrics) RecordStatusFetch(success bool, duration time.Duration)                     {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
