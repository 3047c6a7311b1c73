package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable collaborator HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// LinearBackoff computes the reconnect delay for a 1-based attempt number.
// The device transport uses linear rather than exponential growth: with five
// attempts and a sub-second base, total worst-case stall stays within the
// session idle window.
func LinearBackoff(attempt int, base time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	return base * time.Duration(attempt)
}
