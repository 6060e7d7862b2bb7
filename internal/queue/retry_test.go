package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 5*time.Minute, p.Delay(1))
	assert.Equal(t, 10*time.Minute, p.Delay(2))
	assert.Equal(t, 20*time.Minute, p.Delay(3))

	prev := time.Duration(0)
	for n := 1; n <= 20; n++ {
		d := p.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "retry %d", n)
		assert.LessOrEqual(t, d, p.MaxDelay, "retry %d", n)
		prev = d
	}
	assert.Equal(t, p.MaxDelay, p.Delay(20))
}

func TestRetryPolicyNext(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3}

	for count, want := range map[int]bool{0: false, 1: false, 2: false, 3: true, 4: true} {
		next, exhausted := p.Next(count)
		assert.Equal(t, count+1, next)
		assert.Equal(t, want, exhausted, "retry count %d", count)
	}
}
