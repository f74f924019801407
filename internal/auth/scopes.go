package auth

// Scopes accepted by the dedup API.
const (
	ScopeDedupRun  = "dedup:run"
	ScopeDedupRead = "dedup:read"
	// ScopeDedupAdmin lets service callers such as the scheduler act for any user.
	ScopeDedupAdmin = "dedup:admin"
)
