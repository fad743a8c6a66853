// Package backoff computes retry delays for failed pipeline tasks.
package backoff

const (
	baseDelayS = 60
	ceilingS   = 3600

	// doublingCutoff is the attempt count at which the delay stops
	// doubling and sits at the ceiling.
	doublingCutoff = 6
)

// Delay returns the retry delay in seconds for the given attempt count.
// The delay doubles from 60s per attempt and caps at one hour; even the
// first failure waits a full minute. The result is always a positive
// multiple of 60.
func Delay(attempt int) int64 {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= doublingCutoff {
		return ceilingS
	}
	return baseDelayS << uint(attempt)
}
