package webhook

import "time"

// Metrics defines the interface for tracking webhook receiver operations.
// All methods are optional - the receiver gracefully handles nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook event.
	// status: "success" or "error"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long an event took to process.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(errorType string)

	// RecordPlatformCall records an outbound call to the payment platform.
	// operation: e.g. "customer.update", "payment_method.attach"
	// status: "success" or "error"
	RecordPlatformCall(operation, status string)

	// RecordPlatformCallDuration records how long a platform call took.
	RecordPlatformCallDuration(operation string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordPlatformCall(_, _ string)                            {}
func (n *NoopMetrics) RecordPlatformCallDuration(_ string, _ time.Duration)      {}
