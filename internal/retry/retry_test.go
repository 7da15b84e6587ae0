package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffExponential(t *testing.T) {
	p := Policy{InitialInterval: 1, BackoffCoefficient: 2, MaximumInterval: 60, Strategy: Exponential}

	assert.Equal(t, 1*time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
}

func TestBackoffLinear(t *testing.T) {
	p := Policy{InitialInterval: 2, Strategy: Linear}

	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 6*time.Second, p.Backoff(3))
}

func TestBackoffCappedAtMaximumInterval(t *testing.T) {
	p := Policy{InitialInterval: 1, BackoffCoefficient: 2, MaximumInterval: 5, Strategy: Exponential}

	assert.Equal(t, 5*time.Second, p.Backoff(10))
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	p := Policy{InitialInterval: 10, BackoffCoefficient: 2, Jitter: 0.5, Strategy: Exponential}

	for i := 0; i < 100; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second)
	}
}

func TestBackoffDefaultsForZeroValues(t *testing.T) {
	var p Policy

	assert.Equal(t, 1*time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 1*time.Second, p.Backoff(0))
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, Policy{MaximumAttempts: 0}.ShouldRetry(100), "zero max means unlimited")
	assert.True(t, Policy{MaximumAttempts: 3}.ShouldRetry(2))
	assert.False(t, Policy{MaximumAttempts: 3}.ShouldRetry(3))
	assert.False(t, Default().ShouldRetry(1), "default policy is a single attempt")
}
