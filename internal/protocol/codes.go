package protocol

// Machine-readable error codes sent in error message metadata. Clients use
// these to distinguish a failed turn from a dead session; message text is
// never contractual.
const (
	CodeQuotaExceeded             = "quota_exceeded"
	CodeInvalidAvatar             = "invalid_avatar"
	CodeInvalidVoice              = "invalid_voice"
	CodeProtocolViolation         = "protocol_violation"
	CodeNegotiationFailed         = "negotiation_failed"
	CodeTranscriptionFailed       = "transcription_failed"
	CodeResponseGenerationTimeout = "response_generation_timeout"
	CodeSynthesisFailed           = "synthesis_failed"
	CodeInsufficientCredits       = "insufficient_credits"
	CodeNotFound                  = "not_found"
	CodeTurnCancelled             = "turn_cancelled"
	CodeUnauthorized              = "unauthorized"
	CodeInvalidMessage            = "invalid_message"
)
