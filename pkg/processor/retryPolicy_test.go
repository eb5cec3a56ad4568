package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Delay(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}

	assert.Equal(t, 1*time.Second, policy.Delay(0))
	assert.Equal(t, 2*time.Second, policy.Delay(1))
	assert.Equal(t, 4*time.Second, policy.Delay(2))
	assert.Equal(t, 8*time.Second, policy.Delay(3))
}

func TestRetryPolicy_DelayScalesWithBase(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 250 * time.Millisecond}

	assert.Equal(t, 250*time.Millisecond, policy.Delay(0))
	assert.Equal(t, time.Second, policy.Delay(2))
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}

	assert.False(t, policy.Exhausted(0, 3))
	assert.False(t, policy.Exhausted(2, 3))
	assert.True(t, policy.Exhausted(3, 3))
	assert.True(t, policy.Exhausted(4, 3))
}
