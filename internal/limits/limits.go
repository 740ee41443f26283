package limits

// Size limits for control API payloads and agent snapshots

const (
	// JSON is the standard size limit for control API request/response payloads (1MB)
	JSON = 1 << 20

	// ErrorBody is the maximum size for error response bodies (1KB)
	// Used when parsing error messages from failed API calls
	ErrorBody = 1024

	// Snapshot caps one read of agent output (64MB)
	Snapshot = 64 << 20

	// Bundle caps a registration import file (1MB)
	Bundle = 1 << 20
)

// ErrorBanner prefixes the message written to a remote site instead of agent
// output when the local agent socket cannot be reached
const ErrorBanner = "<<<agentctl:error>>>"
