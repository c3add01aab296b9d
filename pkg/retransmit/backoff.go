package retransmit

import (
	"math/rand"
	"time"
)

// RandomSource abstracts the jitter source so tests can inject determinism,
// rather than calling math/rand directly from Calculate.
type RandomSource interface {
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 { return rand.Float64() }

// DefaultRandomSource is the production jitter source.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// BackoffCalculator implements the whole-message exponential backoff formula
// of §4.2: delay(n) = base * jitter(n) * exp_factor^n.
type BackoffCalculator struct {
	ExpFactor    float64
	JitterMargin float64
	random       RandomSource
}

// NewBackoffCalculator creates a calculator with the given growth factor and
// jitter margin (fraction of the grown delay base*expFactor^attempt added as
// jitter, uniformly distributed).
// If random is nil, DefaultRandomSource is used.
func NewBackoffCalculator(expFactor, jitterMargin float64, random RandomSource) *BackoffCalculator {
	if random == nil {
		random = DefaultRandomSource
	}
	return &BackoffCalculator{
		ExpFactor:    expFactor,
		JitterMargin: jitterMargin,
		random:       random,
	}
}

// Calculate returns the delay before the (attempt+1)'th retransmission,
// attempt being the number of retransmissions already sent (0 for the first
// retry after the initial send).
func (b *BackoffCalculator) Calculate(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	expFactor := pow(b.ExpFactor, attempt)
	jitterFactor := 1.0 + b.random.Float64()*b.JitterMargin
	return time.Duration(float64(base) * expFactor * jitterFactor)
}

// CalculateMin returns the delay with zero jitter, for boundary tests.
func (b *BackoffCalculator) CalculateMin(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * pow(b.ExpFactor, attempt))
}

// CalculateMax returns the delay with maximum jitter, for boundary tests.
func (b *BackoffCalculator) CalculateMax(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * pow(b.ExpFactor, attempt) * (1.0 + b.JitterMargin))
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
