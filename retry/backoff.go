package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	minJitter = 0.5
	maxJitter = 1.0
)

// Ceiling returns the un-jittered delay before the retry that follows the
// given zero-based failed attempt: min(MaxDelay, BaseDelay * BackoffFactor^attempt).
func (o Options) Ceiling(attempt int) time.Duration {
	o = o.withDefaults()
	d := float64(o.BaseDelay) * math.Pow(o.BackoffFactor, float64(attempt))
	if d > float64(o.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns Ceiling(attempt) scaled by a jitter in [0.5, 1.0].
func (o Options) Delay(attempt int) time.Duration {
	return jittered(o.Ceiling(attempt), randFloat())
}

func jittered(d time.Duration, r float64) time.Duration {
	return time.Duration(float64(d) * (minJitter + (maxJitter-minJitter)*r))
}

var (
	rndMu sync.Mutex
	//nolint:gosec // jitter does not need a cryptographic source
	rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat() float64 {
	rndMu.Lock()
	defer rndMu.Unlock()
	return rnd.Float64()
}

// policy adapts Options to backoff.BackOff. It belongs to a single call.
type policy struct {
	opts    Options
	attempt int
}

var _ backoff.BackOff = (*policy)(nil)

func (p *policy) Reset() {
	p.attempt = 0
}

func (p *policy) NextBackOff() time.Duration {
	d := p.opts.Delay(p.attempt)
	p.attempt++
	return d
}
