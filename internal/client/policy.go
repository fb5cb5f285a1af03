package client

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultReconnectDelay is the fixed pause before each reconnect attempt.
const DefaultReconnectDelay = 5 * time.Second

// ReconnectPolicy controls automatic reconnection.
// MaxAttempts of zero retries forever. With Exponential set the delay doubles
// after each attempt, capped at MaxDelay when it is positive.
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Exponential bool
}

// DefaultReconnectPolicy returns a constant 5s delay with unbounded attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Delay: DefaultReconnectDelay}
}

func (p ReconnectPolicy) backOff() backoff.BackOff {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if !p.Exponential {
		return backoff.NewConstantBackOff(delay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	} else {
		b.MaxInterval = time.Duration(1<<63 - 1)
	}
	b.Reset()
	return b
}

// retrier counts consecutive attempts against a policy.
type retrier struct {
	policy   ReconnectPolicy
	b        backoff.BackOff
	attempts int
}

func newRetrier(p ReconnectPolicy) *retrier {
	return &retrier{policy: p, b: p.backOff()}
}

// next returns the delay before the next attempt, or false once attempts are exhausted.
func (r *retrier) next() (time.Duration, bool) {
	if r.policy.MaxAttempts > 0 && r.attempts >= r.policy.MaxAttempts {
		return 0, false
	}
	d := r.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempts++
	return d, true
}

func (r *retrier) reset() {
	r.attempts = 0
	r.b.Reset()
}
