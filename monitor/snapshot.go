package monitor

import (
	"net"
	"time"

	"github.com/czerwonk/uplink_exporter/dnsleak"
	"github.com/czerwonk/uplink_exporter/speedtest"
	"github.com/czerwonk/uplink_exporter/stats"
)

// Progress of a running operation.
type Progress struct {
	Phase   string
	Elapsed time.Duration
	Done    int     // finished lookups of a DNS check
	Total   int     // planned lookups of a DNS check
	Mbps    float64 // current rate of a speed test transfer
}

// Report is the state of a one-shot operation. Result is the last successful
// result and Err the error of the last run, if it failed. A failed run does
// not clear the previous result.
type Report[T any] struct {
	Started  time.Time
	Finished time.Time
	Running  bool
	Progress *Progress // nil unless running
	Result   *T
	Err      error
}

func (r *Report[T]) start(now time.Time) {
	r.Started = now
	r.Running = true
	r.Progress = nil
}

// progress records p unless the operation has already finished.
func (r *Report[T]) progress(p *Progress) bool {
	if !r.Running {
		return false
	}
	r.Progress = p
	return true
}

func (r *Report[T]) finish(now time.Time, res *T, err error) {
	r.Finished = now
	r.Running = false
	r.Progress = nil
	if err != nil {
		r.Err = err
		return
	}
	r.Result = res
	r.Err = nil
}

// Snapshot is an immutable view of the engine. Consumers must not modify it.
type Snapshot struct {
	Time       time.Time
	State      State
	Target     string
	Address    *net.IPAddr
	Window     time.Duration
	Resolvers  []string
	Metrics    *stats.Metrics // nil when the window is empty
	LastSample *stats.Sample
	Samples    []stats.Sample

	SpeedTest Report[speedtest.Result]
	DNSLeak   Report[dnsleak.Result]
}

// Paused reports whether probing was suspended when the snapshot was taken.
func (s *Snapshot) Paused() bool {
	return s.State.Paused()
}
