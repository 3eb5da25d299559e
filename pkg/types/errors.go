package types

// Error type constants for structured failure classification.
// Exposed to clients as Response.ErrorType and used as metric labels.
const (
	// Configuration and request validation
	ErrorTypeConfiguration  = "configuration"
	ErrorTypeInvalidRequest = "invalid_request"

	// Backend instance failures
	ErrorTypeBackendUnavailable = "backend_unavailable"
	ErrorTypeBackendTimeout     = "backend_timeout"
	ErrorTypeBackendError       = "backend_error"
	ErrorTypeSessionInvalid     = "session_invalid"

	// Challenge resolution in direct-browser mode
	ErrorTypeChallengeUnresolved = "challenge_unresolved"

	// Gateway lifecycle
	ErrorTypeShuttingDown = "shutting_down"
	ErrorTypeInternal     = "internal"
)
