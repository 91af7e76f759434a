package shared

import "time"

// Backoff returns the delay before reconnection attempt n (1-based): base
// doubled per attempt and capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Stagger returns the delay before the i-th (0-based) outbound call of a
// roster batch.
func Stagger(i int, base, step time.Duration) time.Duration {
	if i < 0 {
		i = 0
	}
	return base + time.Duration(i)*step
}
