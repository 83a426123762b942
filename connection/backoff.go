package connection

import "time"

// Backoff computes the next reconnect delay from the previous one. Next(0)
// is the delay used after a failure that follows a successful connect.
type Backoff interface {
	Next(prev time.Duration) time.Duration
}

// Exponential multiplies the delay by Factor per consecutive failure, clamped
// to [Min, Max].
type Exponential struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff doubles from 1ms up to 30s.
func DefaultBackoff() Exponential {
	return Exponential{
		Min:    time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
	}
}

func (e Exponential) Next(prev time.Duration) time.Duration {
	if prev < e.Min {
		return e.Min
	}
	factor := e.Factor
	if factor < 1 {
		factor = 1
	}
	next := time.Duration(float64(prev) * factor)
	// float overflow turns into a negative or tiny duration
	if next > e.Max || next < prev {
		return e.Max
	}
	return next
}
