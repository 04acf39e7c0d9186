package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// SessionIDKey carries the LMTP session id into delivery logging.
	SessionIDKey = ContextKey("session_id")
)
