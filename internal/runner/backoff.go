package runner

import (
	"math"
	"time"
)

// Backoff returns base·2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}
