package metrics

// Event names shared by producers and sinks.
const (
	EventCallStarted     = "call_started"
	EventCallRejected    = "call_rejected"
	EventFrameForwarded  = "frame_forwarded"
	EventFrameMalformed  = "frame_malformed"
	EventTranscript      = "transcript"
	EventFraudDetected   = "fraud_detected"
	EventTermination     = "termination"
	EventRelayClosed     = "relay_closed"
	EventObserverAdded   = "observer_added"
	EventObserverRemoved = "observer_removed"
	EventClassifierError = "classifier_error"
	EventAlertPublished  = "alert_published"
	EventAlertFailed     = "alert_failed"
	EventAlertDropped    = "alert_dropped"
	EventObserverSkip    = "observer_event_dropped"
	EventBreakerDenied   = "breaker_denied"
	EventBreakerOpen     = "breaker_open"
	EventBreakerClose    = "breaker_close"
	EventRateLimit       = "rate_limit"
	EventArtifactsPurged = "artifacts_purged"
)

// Tag keys.
const (
	TagCallID     = "call_id"
	TagComponent  = "component"
	TagOutcome    = "outcome"
	TagReasonCode = "reason_code"
	TagProvider   = "provider"
	TagFinal      = "is_final"
)

// Critical reports events that sampling must never drop.
func Critical(name string) bool {
	switch name {
	case EventCallStarted, EventCallRejected, EventFraudDetected, EventTermination, EventRelayClosed:
		return true
	}
	return false
}
