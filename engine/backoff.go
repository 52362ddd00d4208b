package engine

import (
	"math"
	"math/bits"
	"math/rand"
	"time"
)

// Backoff returns the delay before the next attempt, given how many
// attempts have failed so far.
type Backoff func(attempts int) time.Duration

// Exponential doubles base for every failure, capped at max.
func Exponential(base, max time.Duration) Backoff {
	return func(attempts int) time.Duration {
		if attempts < 1 {
			attempts = 1
		}
		if base <= 0 {
			return 0
		}
		// the product has to stay below 2^63
		shift := attempts - 1
		if bits.Len64(uint64(base))+shift > 62 {
			return max
		}
		d := base << uint(shift)
		if d > max {
			return max
		}
		return d
	}
}

// Polynomial grows with the fourth power of the failures plus jitter.
func Polynomial(base, max time.Duration) Backoff {
	return func(attempts int) time.Duration {
		if attempts < 1 {
			attempts = 1
		}
		secs := math.Pow(float64(attempts), 4) + float64(rand.Intn(30)*(attempts+1))
		if secs*float64(time.Second) >= float64(max-base) {
			return max
		}
		return base + time.Duration(secs*float64(time.Second))
	}
}

// NoBackoff retries right away.
func NoBackoff(int) time.Duration {
	return 0
}
