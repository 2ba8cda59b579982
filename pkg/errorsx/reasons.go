package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonMalformedFrame     ReasonCode = "malformed_frame"
	ReasonSessionUnavailable ReasonCode = "session_unavailable"
	ReasonBackendClosed      ReasonCode = "backend_closed"
	ReasonDuplicateCall      ReasonCode = "duplicate_call"
	ReasonDraining           ReasonCode = "draining"
	ReasonObserverDelivery   ReasonCode = "observer_delivery"
	ReasonTerminationCommand ReasonCode = "termination_command"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"
	ReasonSTTDecode  ReasonCode = "stt_decode"

	ReasonClassifier   ReasonCode = "classifier"
	ReasonLLMGenerate  ReasonCode = "llm_generate"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"

	ReasonAlertPublish ReasonCode = "alert_publish"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"

	ReasonInvalidSettings ReasonCode = "invalid_settings"
)
