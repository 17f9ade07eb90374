package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:  30 * time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Minute,
	}

	assert.Equal(t, 30*time.Second, p.Delay(0))
	assert.Equal(t, time.Minute, p.Delay(1))
	assert.Equal(t, 2*time.Minute, p.Delay(2))
	assert.Equal(t, 16*time.Minute, p.Delay(5))
	// Capped from here on.
	assert.Equal(t, 30*time.Minute, p.Delay(6))
	assert.Equal(t, 30*time.Minute, p.Delay(50))
}

func TestRetryPolicyDelayEdgeCases(t *testing.T) {
	assert.Zero(t, RetryPolicy{}.Delay(3))

	// A sub-one multiplier never shrinks the delay.
	p := RetryPolicy{BaseDelay: time.Second, Multiplier: 0.5, MaxDelay: time.Minute}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(4))

	// No cap configured.
	p = RetryPolicy{BaseDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 1024*time.Second, p.Delay(10))
}
