package netsync

import "time"

// Backoff computes the delay before the next retry of a failed sync.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Next returns the delay after the given number of consecutive failures
// (1-based): Base, 2*Base, 4*Base, ... capped at Max.
func (b Backoff) Next(failures int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if failures < 1 {
		failures = 1
	}
	d := b.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
