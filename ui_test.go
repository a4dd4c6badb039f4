package main

import (
	"strings"
	"testing"
	"time"

	"github.com/czerwonk/uplink_exporter/monitor"
	"github.com/czerwonk/uplink_exporter/stats"
	"github.com/stretchr/testify/assert"
)

func TestSparkline(t *testing.T) {
	now := time.Now()
	samples := []stats.Sample{
		stats.Success(now, 10*time.Millisecond),
		stats.Loss(now.Add(time.Second)),
		stats.Success(now.Add(2*time.Second), 80*time.Millisecond),
		stats.Success(now.Add(3*time.Second), 40*time.Millisecond),
	}

	assert.Equal(t, "▁x█▄", sparkline(samples, 10))
	assert.Equal(t, "█▄", sparkline(samples, 2))
	assert.Equal(t, "xx", sparkline([]stats.Sample{stats.Loss(now), stats.Loss(now)}, 10))
	assert.Empty(t, sparkline(nil, 10))
}

func TestRenderSnapshot(t *testing.T) {
	out := renderSnapshot(testSnapshot(), testTime.Add(time.Hour))

	assert.Contains(t, out, "dns.google (192.0.2.1)")
	assert.Contains(t, out, "sent 5, lost 1 (20.0%)")
	assert.Contains(t, out, "best 10.00ms")
	assert.Contains(t, out, "down 100")
	assert.Contains(t, out, "Mbit/s")
	assert.Contains(t, out, "LEAK: 198.51.100.7")
	assert.Contains(t, out, "last run failed: dns leak detection failed")
}

func TestRenderSnapshotNoData(t *testing.T) {
	s := &monitor.Snapshot{State: monitor.PausedSpeedTest, Target: "dns.google", Window: time.Minute}
	s.SpeedTest.Running = true
	s.SpeedTest.Started = testTime

	out := renderSnapshot(s, testTime.Add(30*time.Second))

	assert.Contains(t, out, "paused-speedtest")
	assert.Contains(t, out, "no data")
	assert.Contains(t, out, "running since 30 seconds ago")
	assert.Equal(t, 1, strings.Count(out, "not run yet"))
}

func TestRenderSnapshotProgress(t *testing.T) {
	s := &monitor.Snapshot{State: monitor.PausedDNSCheck, Target: "dns.google", Window: time.Minute}
	s.DNSLeak.Running = true
	s.DNSLeak.Started = testTime
	s.DNSLeak.Progress = &monitor.Progress{Phase: "lookup", Done: 1, Total: 4}

	out := renderSnapshot(s, testTime.Add(10*time.Second))
	assert.Contains(t, out, "1/4 lookups (25%)")

	s.SpeedTest.Running = true
	s.SpeedTest.Started = testTime
	s.SpeedTest.Progress = &monitor.Progress{Phase: "upload"}

	out = renderSnapshot(s, testTime.Add(10*time.Second))
	assert.Contains(t, out, "ago, upload[-]")
}
