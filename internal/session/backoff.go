package session

import "time"

// Backoff returns the delay before reconnect number failures (1-based):
// failures*base, capped at max. It never grows past max and never stops.
func Backoff(failures int, base, max time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := time.Duration(failures) * base
	if d <= 0 || d > max || d/time.Duration(failures) != base {
		return max
	}
	return d
}
