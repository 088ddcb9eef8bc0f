// Package retry is the single retry strategy used by the workflow executor.
// The agent dispatcher never retries on its own.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"shipline/internal/config"
)

// Policy configures how often and how fast a failed step is retried.
type Policy struct {
	// MaxAttempts counts the first attempt. Default: 3
	MaxAttempts int
	// Default: 500ms
	InitialInterval time.Duration
	// Default: 10s
	MaxInterval time.Duration
	// Default: 2
	Multiplier float64
}

// Default returns the default policy.
func Default() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}
}

// FromConfig builds a policy from the pipeline section of the project config.
func FromConfig(p config.Pipeline) Policy {
	pol := Policy{
		MaxAttempts:     p.MaxAttempts,
		InitialInterval: p.Backoff.Initial,
		MaxInterval:     p.Backoff.Max,
		Multiplier:      p.Backoff.Multiplier,
	}
	return pol.ApplyDefaults()
}

// ApplyDefaults fills unset fields.
func (p Policy) ApplyDefaults() Policy {
	d := Default()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// NewBackOff returns a deterministic exponential backoff for the policy.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.ApplyDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Tracker follows the attempts of one step.
type Tracker struct {
	policy   Policy
	b        *backoff.ExponentialBackOff
	attempts int
	partials int
}

// Start begins tracking a step whose first attempt is about to run.
func (p Policy) Start() *Tracker {
	p = p.ApplyDefaults()
	return &Tracker{policy: p, b: p.NewBackOff(), attempts: 1}
}

// Attempts returns the number of attempts started so far.
func (t *Tracker) Attempts() int { return t.attempts }

// Retries returns the number of retries started so far.
func (t *Tracker) Retries() int { return t.attempts - 1 }

// Next records a failed attempt and reports whether another one is allowed
// and how long to wait before it. A partial outcome gets one extra attempt
// at most, drawn from the same budget as hard failures.
func (t *Tracker) Next(partial bool) (time.Duration, bool) {
	if partial {
		t.partials++
		if t.partials > 1 {
			return 0, false
		}
	}
	if t.attempts >= t.policy.MaxAttempts {
		return 0, false
	}
	t.attempts++
	return t.b.NextBackOff(), true
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op until it succeeds or the policy is exhausted. Used for writes
// that must not be lost, such as a run's terminal state.
func Do(ctx context.Context, p Policy, op func() error) error {
	p = p.ApplyDefaults()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithBackOff(p.NewBackOff()), backoff.WithMaxTries(uint(p.MaxAttempts)))
	return err
}
