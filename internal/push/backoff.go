package push

import "time"

// Backoff returns the wait before the next cycle after the given number of
// consecutive failures. Zero or one failure waits one interval; after that
// the wait doubles per failure up to ceiling.
func Backoff(interval, ceiling time.Duration, failures int) time.Duration {
	if failures <= 1 {
		return interval
	}
	if ceiling < interval {
		ceiling = interval
	}
	d := interval
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	return d
}
