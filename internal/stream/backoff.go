package stream

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// reconnectDelays yields min(base*2^n, cap) plus uniform jitter in [0, jitter).
// The exponential part has no randomisation so consecutive delays never
// decrease before the cap.
type reconnectDelays struct {
	exp    *backoff.ExponentialBackOff
	jitter time.Duration
}

func newReconnectDelays(base, maxDelay, jitter time.Duration) *reconnectDelays {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = maxDelay
	exp.Reset()
	return &reconnectDelays{exp: exp, jitter: jitter}
}

// base returns the next deterministic delay.
func (d *reconnectDelays) base() time.Duration {
	delay := d.exp.NextBackOff()
	if delay == backoff.Stop {
		delay = d.exp.MaxInterval
	}
	return delay
}

// Next returns the next delay including jitter.
func (d *reconnectDelays) Next() time.Duration {
	delay := d.base()
	if d.jitter > 0 {
		delay += rand.N(d.jitter)
	}
	return delay
}

// Reset returns to the base delay; called after a successful connection and
// after the cooldown.
func (d *reconnectDelays) Reset() {
	d.exp.Reset()
}
