package reliability

import "time"

// IsRetryableWorkerCode classifies worker error codes that a client may
// safely retry. Anything model- or input-shaped is permanent.
func IsRetryableWorkerCode(code string) bool {
	switch code {
	case "busy", "rate_limited", "resource_exhausted", "queue_overflow", "temporary":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
