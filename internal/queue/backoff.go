package queue

import "time"

// Backoff is the queue-level requeue delay policy: linear and capped.
// Coaching jobs are human-paced, so delays stay in the seconds range;
// exponential growth would push retries past their relevance window.
type Backoff struct {
	Base time.Duration
	Step time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Step: 2 * time.Second, Max: 30 * time.Second}
}

// Delay returns the requeue delay after n prior attempts. Non-decreasing
// in n and bounded by Max.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := b.Base + time.Duration(n)*b.Step
	if d > b.Max {
		d = b.Max
	}
	return d
}
