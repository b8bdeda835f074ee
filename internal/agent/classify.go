package agent

import "strings"

// ErrorClass buckets a raw agent/git error message into a small taxonomy
// the supervisor and stall detector can reason about.
type ErrorClass string

const (
	ClassNetwork       ErrorClass = "NETWORK"
	ClassUnavailable   ErrorClass = "AGENT_UNAVAILABLE"
	ClassAuth          ErrorClass = "AGENT_AUTH_ERROR"
	ClassRateLimit     ErrorClass = "AGENT_RATE_LIMIT"
	ClassTimeout       ErrorClass = "AGENT_TIMEOUT"
	ClassNoResponse    ErrorClass = "AGENT_NO_RESPONSE"
	ClassPushRejected  ErrorClass = "GIT_PUSH_REJECTED"
	ClassMerge         ErrorClass = "MERGE_CONFLICT"
	ClassCommandNotFound ErrorClass = "AGENT_COMMAND_NOT_FOUND"
	ClassUnknown       ErrorClass = "UNKNOWN_CRASH"
)

// classifyPatterns maps substrings (checked case-insensitively, in order)
// to an ErrorClass.
var classifyPatterns = []struct {
	class    ErrorClass
	patterns []string
}{
	{ClassNetwork, []string{"network", "econnreset", "econnrefused", "econnaborted", "socket hang up"}},
	{ClassUnavailable, []string{"unavailable"}},
	{ClassRateLimit, []string{"rate limit", "quota", "429"}},
	{ClassAuth, []string{"not authenticated", "unauthorized", "401"}},
	{ClassTimeout, []string{"timeout", "timed out"}},
	{ClassMerge, []string{"conflict", "merge failed"}},
	{ClassPushRejected, []string{"rejected", "non-fast-forward", "fetch first"}},
}

// Classify maps a raw error string to an ErrorClass, falling back to
// ClassUnknown when nothing matches.
func Classify(errMsg string) ErrorClass {
	lower := strings.ToLower(errMsg)
	for _, entry := range classifyPatterns {
		for _, p := range entry.patterns {
			if strings.Contains(lower, p) {
				return entry.class
			}
		}
	}
	return ClassUnknown
}

// IsRetryable reports whether the retry wrapper should attempt this class
// again: up to 3 attempts for NETWORK, UNAVAILABLE, RATE_LIMIT (60s fixed
// backoff), and TIMEOUT; AUTH and everything else abort immediately.
func (c ErrorClass) IsRetryable() bool {
	switch c {
	case ClassNetwork, ClassUnavailable, ClassRateLimit, ClassTimeout:
		return true
	default:
		return false
	}
}
