// Package retry computes next-attempt delays for activity tasks.
package retry

import (
	"math"
	"math/rand"
	"time"
)

type Strategy string

const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
)

// Policy controls retry behavior for activities. Intervals are seconds so
// the policy round-trips through JSON task rows unchanged.
type Policy struct {
	InitialInterval    float64  `json:"initial_interval"`
	BackoffCoefficient float64  `json:"backoff_coefficient"`
	MaximumInterval    float64  `json:"maximum_interval"`
	MaximumAttempts    int      `json:"maximum_attempts"` // 0 means unlimited
	Jitter             float64  `json:"jitter"`           // +/- fraction of the computed delay
	Strategy           Strategy `json:"strategy"`
}

// Default is a single attempt with no retries. Activities opt into retries
// explicitly at registration.
func Default() Policy {
	return Policy{
		InitialInterval:    1,
		BackoffCoefficient: 2,
		MaximumInterval:    60,
		MaximumAttempts:    1,
		Strategy:           Exponential,
	}
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-based attempt number failed.
func (p Policy) ShouldRetry(attempt int) bool {
	return p.MaximumAttempts == 0 || attempt < p.MaximumAttempts
}

// Backoff computes the delay before the attempt following the given
// 1-based attempt number.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := p.InitialInterval
	if initial <= 0 {
		initial = 1
	}
	var interval float64
	if p.Strategy == Linear {
		interval = initial * float64(attempt)
	} else {
		coeff := p.BackoffCoefficient
		if coeff <= 0 {
			coeff = 2
		}
		interval = initial * math.Pow(coeff, float64(attempt-1))
	}
	if p.MaximumInterval > 0 && interval > p.MaximumInterval {
		interval = p.MaximumInterval
	}
	if p.Jitter > 0 {
		delta := interval * p.Jitter
		interval += (rand.Float64()*2 - 1) * delta
	}
	if interval < 0 {
		interval = 0
	}
	return time.Duration(interval * float64(time.Second))
}
