// Package engine implements the durable deployment workflow: a sequential
// six-step pipeline whose step results are persisted so that a restarted
// process resumes instead of re-running completed work.
package engine

import "time"

// Backoff selects how retry delays grow between attempts.
type Backoff string

const (
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy bounds how a failing step is retried. Limit counts retries,
// not attempts: a step runs at most Limit+1 times.
type RetryPolicy struct {
	Limit   int
	Delay   time.Duration
	Backoff Backoff
}

// StepPolicy is the full execution policy for one step.
type StepPolicy struct {
	Retry   RetryPolicy
	Timeout time.Duration
}

// delayFor returns the pause before the attempt following failed attempt n
// (1-based). Linear grows as delay*n, exponential as delay*2^(n-1).
func (p RetryPolicy) delayFor(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	switch p.Backoff {
	case BackoffExponential:
		return p.Delay << (attempt - 1)
	default:
		return p.Delay * time.Duration(attempt)
	}
}
