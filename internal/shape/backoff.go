package shape

import "time"

// backoff doubles the retry interval after each failed request, up to a ceiling
type backoff struct {
	current time.Duration
	max     time.Duration
	initial time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{
		current: initial,
		max:     max,
		initial: initial,
	}
}

// Interval returns the current wait
func (b *backoff) Interval() time.Duration {
	return b.current
}

// Increase doubles the interval up to max
func (b *backoff) Increase() {
	next := b.current * 2
	if next > b.max {
		next = b.max
	}
	b.current = next
}

// Reset goes back to the initial interval
func (b *backoff) Reset() {
	b.current = b.initial
}
