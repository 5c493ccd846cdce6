package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{60, 30 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, p.Delay(c.attempt), "attempt %d", c.attempt)
	}
}

func TestPolicy_DelayIsMonotoneAndBounded(t *testing.T) {
	policies := []Policy{
		{Base: 250 * time.Millisecond, Max: 10 * time.Second},
		{Base: time.Second, Max: 5 * time.Minute},
		{Base: 3 * time.Second, Max: 3 * time.Second},
	}
	for _, p := range policies {
		prev := time.Duration(0)
		for n := 0; n < 200; n++ {
			d := p.Delay(n)
			assert.GreaterOrEqual(t, d, prev, "policy %+v attempt %d", p, n)
			assert.LessOrEqual(t, d, p.Max, "policy %+v attempt %d", p, n)
			prev = d
		}
	}
}

func TestPolicy_UncappedDoesNotOverflow(t *testing.T) {
	p := Policy{Base: time.Hour}
	assert.Positive(t, p.Delay(500))
	assert.Zero(t, Policy{}.Delay(3))
}
