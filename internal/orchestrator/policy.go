package orchestrator

import (
	"time"

	"github.com/cenkalti/backoff"

	"github.com/grltest/grlctl/internal/config"
)

// ConnectionAttemptPolicy bounds the connect handshake.
type ConnectionAttemptPolicy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration // per Connect call; also caps each wait
	Backoff        string        // config.BackoffFixed or config.BackoffLinear
	Interval       time.Duration
}

// backOff returns the wait schedule between attempts.
func (p ConnectionAttemptPolicy) backOff() backoff.BackOff {
	var b backoff.BackOff
	if p.Backoff == config.BackoffLinear {
		b = &linearBackOff{step: p.Interval}
	} else {
		b = backoff.NewConstantBackOff(p.Interval)
	}
	if p.AttemptTimeout > 0 {
		b = &cappedBackOff{BackOff: b, max: p.AttemptTimeout}
	}
	b.Reset()
	return b
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() {
	b.n = 0
}

type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (b *cappedBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop || d <= b.max {
		return d
	}
	return b.max
}
