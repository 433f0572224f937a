package realtime

import "time"

// Backoff selects how the delay between reconnect attempts grows.
type Backoff int

const (
	BackoffFixed Backoff = iota
	BackoffExponential
)

// reconnectDelay returns the wait before reconnect attempt n (1-based).
func reconnectDelay(b Backoff, base, max time.Duration, n int) time.Duration {
	if b == BackoffFixed || n <= 1 {
		return base
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	return d
}
