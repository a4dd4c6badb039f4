package stats

import "time"

// Sample stores the outcome of a single probe: the round-trip time,
// or whether the packet was lost.
type Sample struct {
	Timestamp time.Time
	RTT       time.Duration
	Lost      bool
}

// Success creates a sample for a probe answered after rtt.
func Success(ts time.Time, rtt time.Duration) Sample {
	return Sample{Timestamp: ts, RTT: rtt}
}

// Loss creates a sample for a probe that was never answered.
func Loss(ts time.Time) Sample {
	return Sample{Timestamp: ts, Lost: true}
}

// Latency returns the round-trip time. ok is false for lost samples,
// which carry no latency at all.
func (s Sample) Latency() (rtt time.Duration, ok bool) {
	if s.Lost {
		return 0, false
	}
	return s.RTT, true
}
