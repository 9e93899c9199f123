package dispatch

import "time"

// Backoff returns the delay before the given retry attempt (1-based):
// base, 2*base, 4*base, ... capped at max. Monotone non-decreasing.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
