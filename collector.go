package main

import (
	"net"

	"github.com/czerwonk/uplink_exporter/monitor"
	"github.com/prometheus/client_golang/prometheus"
)

const prefix = "uplink_"

var labelNames = []string{"target", "ip", "ip_version"}

func newDesc(name, help string, variableLabels []string, constLabels prometheus.Labels) *prometheus.Desc {
	return prometheus.NewDesc(prefix+name, help, variableLabels, constLabels)
}

type snapshotSource interface {
	Snapshot() *monitor.Snapshot
}

// uplinkCollector exports the latest engine snapshot.
type uplinkCollector struct {
	source       snapshotSource
	customLabels *customLabelSet

	rttDesc         scaledMetrics
	lossDesc        *prometheus.Desc
	sentDesc        *prometheus.Desc
	lostDesc        *prometheus.Desc
	stateDesc       *prometheus.Desc
	downloadDesc    *prometheus.Desc
	uploadDesc      *prometheus.Desc
	speedPingDesc   scaledMetrics
	speedTimeDesc   *prometheus.Desc
	speedFailedDesc *prometheus.Desc
	leakDesc        *prometheus.Desc
	leakedDesc      *prometheus.Desc
	detectedDesc    *prometheus.Desc
	leakTimeDesc    *prometheus.Desc
	leakFailedDesc  *prometheus.Desc
}

func newUplinkCollector(source snapshotSource, customLabels *customLabelSet, scale rttUnit) *uplinkCollector {
	l := append(append([]string{}, labelNames...), customLabels.labelNames()...)
	custom := customLabels.labelNames()

	return &uplinkCollector{
		source:       source,
		customLabels: customLabels,

		rttDesc:         newScaledDesc("rtt", "Round trip time over the window", scale, append(append([]string{}, l...), "type")),
		lossDesc:        newDesc("loss_ratio", "Packet loss over the window from 0.0 to 1.0", l, nil),
		sentDesc:        newDesc("window_packets_sent", "Number of probes in the window", l, nil),
		lostDesc:        newDesc("window_packets_lost", "Number of lost probes in the window", l, nil),
		stateDesc:       newDesc("monitor_state", "Current state of the monitor", append([]string{"state"}, custom...), nil),
		downloadDesc:    newDesc("speedtest_download_bits_per_second", "Download rate of the last speed test", custom, nil),
		uploadDesc:      newDesc("speedtest_upload_bits_per_second", "Upload rate of the last speed test", custom, nil),
		speedPingDesc:   newScaledDesc("speedtest_ping", "Latency to the speed test server", scale, custom),
		speedTimeDesc:   newDesc("speedtest_timestamp_seconds", "Unix time of the last successful speed test", custom, nil),
		speedFailedDesc: newDesc("speedtest_failed", "1 if the last speed test failed", custom, nil),
		leakDesc:        newDesc("dns_leak", "1 if the last DNS check found resolvers outside the configured set", custom, nil),
		leakedDesc:      newDesc("dns_leaked_resolvers", "Number of unexpected resolvers found by the last DNS check", custom, nil),
		detectedDesc:    newDesc("dns_detected_resolvers", "Number of resolvers found by the last DNS check", custom, nil),
		leakTimeDesc:    newDesc("dns_check_timestamp_seconds", "Unix time of the last successful DNS check", custom, nil),
		leakFailedDesc:  newDesc("dns_check_failed", "1 if the last DNS check failed", custom, nil),
	}
}

func (p *uplinkCollector) Describe(ch chan<- *prometheus.Desc) {
	p.rttDesc.Describe(ch)
	p.speedPingDesc.Describe(ch)
	ch <- p.lossDesc
	ch <- p.sentDesc
	ch <- p.lostDesc
	ch <- p.stateDesc
	ch <- p.downloadDesc
	ch <- p.uploadDesc
	ch <- p.speedTimeDesc
	ch <- p.speedFailedDesc
	ch <- p.leakDesc
	ch <- p.leakedDesc
	ch <- p.detectedDesc
	ch <- p.leakTimeDesc
	ch <- p.leakFailedDesc
}

func (p *uplinkCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.source.Snapshot()
	if s == nil {
		return
	}

	custom := p.customLabels.labelValues()

	for _, st := range []monitor.State{monitor.Stopped, monitor.Probing, monitor.PausedSpeedTest, monitor.PausedDNSCheck} {
		v := 0.0
		if st == s.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(p.stateDesc, prometheus.GaugeValue, v, append([]string{st.String()}, custom...)...)
	}

	p.collectWindow(ch, s, custom)
	p.collectSpeedTest(ch, s, custom)
	p.collectDNSLeak(ch, s, custom)
}

func (p *uplinkCollector) collectWindow(ch chan<- prometheus.Metric, s *monitor.Snapshot, custom []string) {
	m := s.Metrics
	if m == nil || s.Address == nil {
		return
	}

	l := append([]string{s.Target, s.Address.IP.String(), ipVersion(s.Address)}, custom...)

	ch <- prometheus.MustNewConstMetric(p.sentDesc, prometheus.GaugeValue, float64(m.PacketsSent), l...)
	ch <- prometheus.MustNewConstMetric(p.lostDesc, prometheus.GaugeValue, float64(m.PacketsLost), l...)
	ch <- prometheus.MustNewConstMetric(p.lossDesc, prometheus.GaugeValue, m.LossRatio(), l...)

	if !m.HasLatency() {
		return
	}

	p.rttDesc.Collect(ch, m.Best, append(l, "best")...)
	p.rttDesc.Collect(ch, m.Worst, append(l, "worst")...)
	p.rttDesc.Collect(ch, m.Mean, append(l, "mean")...)
	p.rttDesc.Collect(ch, m.Median, append(l, "median")...)
	p.rttDesc.Collect(ch, m.StdDev, append(l, "std_dev")...)
}

func (p *uplinkCollector) collectSpeedTest(ch chan<- prometheus.Metric, s *monitor.Snapshot, custom []string) {
	r := s.SpeedTest
	if r.Finished.IsZero() {
		return
	}

	ch <- prometheus.MustNewConstMetric(p.speedFailedDesc, prometheus.GaugeValue, boolToFloat(r.Err != nil), custom...)

	res := r.Result
	if res == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(p.downloadDesc, prometheus.GaugeValue, res.DownloadMbps*1e6, custom...)
	ch <- prometheus.MustNewConstMetric(p.uploadDesc, prometheus.GaugeValue, res.UploadMbps*1e6, custom...)
	ch <- prometheus.MustNewConstMetric(p.speedTimeDesc, prometheus.GaugeValue, float64(res.Timestamp.Unix()), custom...)
	p.speedPingDesc.Collect(ch, res.Ping(), custom...)
}

func (p *uplinkCollector) collectDNSLeak(ch chan<- prometheus.Metric, s *monitor.Snapshot, custom []string) {
	r := s.DNSLeak
	if r.Finished.IsZero() {
		return
	}

	ch <- prometheus.MustNewConstMetric(p.leakFailedDesc, prometheus.GaugeValue, boolToFloat(r.Err != nil), custom...)

	res := r.Result
	if res == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(p.leakDesc, prometheus.GaugeValue, boolToFloat(res.Leak), custom...)
	ch <- prometheus.MustNewConstMetric(p.leakedDesc, prometheus.GaugeValue, float64(len(res.Leaked)), custom...)
	ch <- prometheus.MustNewConstMetric(p.detectedDesc, prometheus.GaugeValue, float64(len(res.Detected)), custom...)
	ch <- prometheus.MustNewConstMetric(p.leakTimeDesc, prometheus.GaugeValue, float64(res.Timestamp.Unix()), custom...)
}

func ipVersion(addr *net.IPAddr) string {
	if addr.IP.To4() == nil {
		return "6"
	}

	return "4"
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
