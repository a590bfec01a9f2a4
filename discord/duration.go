package discord

import "time"

// Milliseconds is in float64 because the voice gateway sends heartbeat
// intervals with a trailing decimal.
type Milliseconds float64

func DurationToMilliseconds(dura time.Duration) Milliseconds {
	return Milliseconds(dura.Nanoseconds() / int64(time.Millisecond))
}

func (ms Milliseconds) String() string {
	return ms.Duration().String()
}

func (ms Milliseconds) Duration() time.Duration {
	const f64ms = float64(time.Millisecond)
	return time.Duration(float64(ms) * f64ms)
}
