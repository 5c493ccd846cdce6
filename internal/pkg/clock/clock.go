// Package clock is the single timer service used by the sync engine, the
// realtime channel manager and the request client. Production code gets
// Real(); tests drive a Fake clock with Advance so retry, backoff and
// heartbeat behavior runs without wall-clock delays.
package clock

import "time"

// Clock abstracts the parts of the time package the engine depends on.
type Clock interface {
	Now() time.Time

	// After delivers the current time on the returned channel once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the call. It reports false if the call already ran or was stopped.
	Stop() bool
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
