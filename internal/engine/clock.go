package engine

import "time"

// Clock reads the wall clock used for durable timers, retry backoff and the
// journaled Now() of handlers.
//
// Wall time never orders anything in the engine: journal positions and
// arrival seqs do. The clock only decides when a timer is due, so tests can
// substitute a manual clock and step through sleeps without waiting.
//
// Implemented by SystemClock (production) and testutil.ManualClock (tests).
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
