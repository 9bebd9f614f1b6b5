package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSystemClockNeverGoesBackward(t *testing.T) {
	c := NewSystemClock()
	prev := c.NowMillis()
	for i := 0; i < 1000; i++ {
		next := c.NowMillis()
		assert.GreaterOrEqual(t, next, prev)
		prev = next
	}
}

func TestFixedClockAdvance(t *testing.T) {
	c := NewFixedClock(1000)
	assert.Equal(t, int64(1000), c.NowMillis())
	assert.Equal(t, int64(1050), c.Advance(50))
	assert.Equal(t, int64(1050), c.NowMillis())
	c.Set(2000)
	assert.Equal(t, int64(2000), c.NowMillis())
}
