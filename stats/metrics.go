package stats

import "time"

// Metrics is a dumb data point computed from the contents of a Window.
// Latency fields only consider samples which were not lost.
type Metrics struct {
	PacketsSent int           // number of samples in the window
	PacketsLost int           // number of lost samples
	Best        time.Duration // best rtt
	Worst       time.Duration // worst rtt
	Median      time.Duration // median rtt
	Mean        time.Duration // mean rtt
	StdDev      time.Duration // std deviation

	First time.Time // timestamp of the oldest sample
	Last  time.Time // timestamp of the newest sample
}

// Received returns the number of answered probes.
func (m *Metrics) Received() int {
	return m.PacketsSent - m.PacketsLost
}

// HasLatency reports whether at least one sample carries a round-trip time.
// When false, Best, Worst, Median, Mean and StdDev are meaningless.
func (m *Metrics) HasLatency() bool {
	return m.Received() > 0
}

// LossRatio returns lost/sent in the range [0, 1].
func (m *Metrics) LossRatio() float64 {
	if m.PacketsSent == 0 {
		return 0
	}
	return float64(m.PacketsLost) / float64(m.PacketsSent)
}
