package backoff

import "time"

// Policy computes exponential delays: Base * 2^attempt, never above Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (zero-based). The result
// is non-decreasing in attempt and bounded by Max when Max is positive.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	d := p.Base
	for i := 0; i < attempt; i++ {
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
		// stop doubling before the duration overflows
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
