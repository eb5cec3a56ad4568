package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecisionConstructors(t *testing.T) {
	assert.Equal(t, Decision{Verdict: VerdictAck}, Ack())
	assert.Equal(t, Decision{Verdict: VerdictNackFinal}, NackFinal())
	assert.Equal(t, Decision{Verdict: VerdictNackRetry, Delay: 2 * time.Second}, NackRetry(2*time.Second))
}
