// Package stats keeps a rolling, time bounded window of probe samples and
// aggregates it into latency and loss metrics.
package stats

import (
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

// DefaultSpan is the retention used when a Window is created with a
// non-positive span.
const DefaultSpan = 5 * time.Minute

// Window holds the samples of the most recent span, ordered by timestamp.
// Every retained sample is at most span older than the newest one.
type Window struct {
	span    time.Duration
	samples []Sample // samples[head:] is the live part
	head    int
	mtx     sync.RWMutex
}

// NewWindow creates an empty Window retaining samples for span.
func NewWindow(span time.Duration) *Window {
	if span <= 0 {
		span = DefaultSpan
	}
	return &Window{span: span}
}

// Span returns the retention of the window.
func (w *Window) Span() time.Duration {
	return w.span
}

// Record saves a sample and evicts everything older than span relative to
// the newest sample. Samples arriving out of order are inserted at their
// position; samples already outside the window are dropped.
func (w *Window) Record(s Sample) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if n := len(w.samples); n > w.head {
		newest := w.samples[n-1].Timestamp
		if newest.Sub(s.Timestamp) > w.span {
			return
		}
		if s.Timestamp.Before(newest) {
			live := w.samples[w.head:]
			i := w.head + sort.Search(len(live), func(i int) bool {
				return live[i].Timestamp.After(s.Timestamp)
			})
			w.samples = slices.Insert(w.samples, i, s)
			return
		}
	}

	w.samples = append(w.samples, s)
	w.evict(s.Timestamp)
}

// evict drops samples from the oldest end. The backing array is compacted
// once half of it is dead, which keeps Record amortized O(1).
func (w *Window) evict(newest time.Time) {
	for w.head < len(w.samples) && newest.Sub(w.samples[w.head].Timestamp) > w.span {
		w.head++
	}

	if w.head > 0 && 2*w.head >= len(w.samples) {
		n := copy(w.samples, w.samples[w.head:])
		clear(w.samples[n:])
		w.samples = w.samples[:n]
		w.head = 0
	}
}

// Len returns the number of samples currently in the window.
func (w *Window) Len() int {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	return len(w.samples) - w.head
}

// Samples returns a copy of the window contents, oldest first.
func (w *Window) Samples() []Sample {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	return slices.Clone(w.samples[w.head:])
}

// Reset drops all samples.
func (w *Window) Reset() {
	w.mtx.Lock()
	w.samples = nil
	w.head = 0
	w.mtx.Unlock()
}

// Compute aggregates the window into a single data point. It returns nil
// when the window is empty, so callers never mistake "no data" for a
// perfect 0ms/0% reading.
func (w *Window) Compute() *Metrics {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	return compute(w.samples[w.head:])
}

func compute(samples []Sample) *Metrics {
	numTotal := len(samples)
	if numTotal == 0 {
		return nil
	}

	m := &Metrics{
		PacketsSent: numTotal,
		First:       samples[0].Timestamp,
		Last:        samples[numTotal-1].Timestamp,
	}

	data := make([]time.Duration, 0, numTotal)
	var total float64
	for i := range samples {
		rtt, ok := samples[i].Latency()
		if !ok {
			m.PacketsLost++
			continue
		}
		if len(data) == 0 || rtt < m.Best {
			m.Best = rtt
		}
		if len(data) == 0 || rtt > m.Worst {
			m.Worst = rtt
		}
		data = append(data, rtt)
		total += float64(rtt)
	}

	size := len(data)
	if size == 0 {
		return m
	}

	mean := total / float64(size)
	var sumSquares float64
	for _, rtt := range data {
		sumSquares += math.Pow(float64(rtt)-mean, 2)
	}
	m.Mean = time.Duration(mean)
	m.StdDev = time.Duration(math.Sqrt(sumSquares / float64(size)))

	slices.Sort(data)
	if size%2 == 0 {
		m.Median = (data[size/2-1] + data[size/2]) / 2
	} else {
		m.Median = data[size/2]
	}

	return m
}
