package retry

import "time"

// Default policy values.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
)

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the wait after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the exponential delay.
	MaxDelay time.Duration
	// Jitter is the fraction in [0, 1] by which a delay may be spread around
	// its nominal value.
	Jitter float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
	}
}

// Delay returns the wait after the n-th failed attempt (n >= 1):
// min(InitialDelay * 2^(n-1), MaxDelay). It has no side effects.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.InitialDelay <= 0 {
		return 0
	}
	d := p.InitialDelay
	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// JitteredDelay spreads Delay(n) by up to ±Jitter using r in [0, 1).
// The result never drops below InitialDelay/2.
func (p Policy) JitteredDelay(n int, r float64) time.Duration {
	d := p.Delay(n)
	if d == 0 || p.Jitter <= 0 {
		return d
	}
	factor := 1 + p.Jitter*(2*r-1)
	d = time.Duration(float64(d) * factor)
	if floor := p.InitialDelay / 2; d < floor {
		d = floor
	}
	return d
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}
