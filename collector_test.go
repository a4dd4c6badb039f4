package main

import (
	"net"
	"strings"
	"testing"

	"github.com/czerwonk/uplink_exporter/config"
	"github.com/czerwonk/uplink_exporter/monitor"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testCollector(s *monitor.Snapshot, scale rttUnit) *uplinkCollector {
	labels := newCustomLabelSet(config.TargetConfig{
		Addr:   "dns.google",
		Labels: map[string]string{"site": "home"},
	})

	return newUplinkCollector(&fakeEngine{snapshot: s}, labels, scale)
}

func TestCollectorWindow(t *testing.T) {
	c := testCollector(testSnapshot(), rttInSeconds)

	expected := `
# HELP uplink_loss_ratio Packet loss over the window from 0.0 to 1.0
# TYPE uplink_loss_ratio gauge
uplink_loss_ratio{ip="192.0.2.1",ip_version="4",site="home",target="dns.google"} 0.2
# HELP uplink_rtt_seconds Round trip time over the window in seconds
# TYPE uplink_rtt_seconds gauge
uplink_rtt_seconds{ip="192.0.2.1",ip_version="4",site="home",target="dns.google",type="best"} 0.01
uplink_rtt_seconds{ip="192.0.2.1",ip_version="4",site="home",target="dns.google",type="worst"} 0.04
uplink_rtt_seconds{ip="192.0.2.1",ip_version="4",site="home",target="dns.google",type="mean"} 0.025
uplink_rtt_seconds{ip="192.0.2.1",ip_version="4",site="home",target="dns.google",type="median"} 0.025
uplink_rtt_seconds{ip="192.0.2.1",ip_version="4",site="home",target="dns.google",type="std_dev"} 0.011
# HELP uplink_window_packets_lost Number of lost probes in the window
# TYPE uplink_window_packets_lost gauge
uplink_window_packets_lost{ip="192.0.2.1",ip_version="4",site="home",target="dns.google"} 1
# HELP uplink_window_packets_sent Number of probes in the window
# TYPE uplink_window_packets_sent gauge
uplink_window_packets_sent{ip="192.0.2.1",ip_version="4",site="home",target="dns.google"} 5
`

	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"uplink_loss_ratio", "uplink_rtt_seconds", "uplink_window_packets_lost", "uplink_window_packets_sent")
	if err != nil {
		t.Error(err)
	}

	if n := testutil.CollectAndCount(c, "uplink_rtt_ms"); n != 0 {
		t.Errorf("expected no millis metrics, got %d", n)
	}
}

func TestCollectorResults(t *testing.T) {
	c := testCollector(testSnapshot(), rttBoth)

	expected := `
# HELP uplink_dns_check_failed 1 if the last DNS check failed
# TYPE uplink_dns_check_failed gauge
uplink_dns_check_failed{site="home"} 1
# HELP uplink_dns_leak 1 if the last DNS check found resolvers outside the configured set
# TYPE uplink_dns_leak gauge
uplink_dns_leak{site="home"} 1
# HELP uplink_dns_leaked_resolvers Number of unexpected resolvers found by the last DNS check
# TYPE uplink_dns_leaked_resolvers gauge
uplink_dns_leaked_resolvers{site="home"} 1
# HELP uplink_speedtest_download_bits_per_second Download rate of the last speed test
# TYPE uplink_speedtest_download_bits_per_second gauge
uplink_speedtest_download_bits_per_second{site="home"} 1e+08
# HELP uplink_speedtest_failed 1 if the last speed test failed
# TYPE uplink_speedtest_failed gauge
uplink_speedtest_failed{site="home"} 0
# HELP uplink_speedtest_ping_ms Latency to the speed test server in millis
# TYPE uplink_speedtest_ping_ms gauge
uplink_speedtest_ping_ms{site="home"} 12
# HELP uplink_speedtest_ping_seconds Latency to the speed test server in seconds
# TYPE uplink_speedtest_ping_seconds gauge
uplink_speedtest_ping_seconds{site="home"} 0.012
`

	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"uplink_dns_check_failed", "uplink_dns_leak", "uplink_dns_leaked_resolvers",
		"uplink_speedtest_download_bits_per_second", "uplink_speedtest_failed",
		"uplink_speedtest_ping_ms", "uplink_speedtest_ping_seconds")
	if err != nil {
		t.Error(err)
	}
}

func TestCollectorNoData(t *testing.T) {
	c := testCollector(&monitor.Snapshot{
		State:   monitor.PausedSpeedTest,
		Target:  "dns.google",
		Address: &net.IPAddr{IP: net.ParseIP("2001:db8::1")},
	}, rttInSeconds)

	for _, name := range []string{"uplink_loss_ratio", "uplink_rtt_seconds", "uplink_speedtest_failed", "uplink_dns_leak"} {
		if n := testutil.CollectAndCount(c, name); n != 0 {
			t.Errorf("expected no %s without data, got %d", name, n)
		}
	}

	expected := `
# HELP uplink_monitor_state Current state of the monitor
# TYPE uplink_monitor_state gauge
uplink_monitor_state{site="home",state="paused-dnscheck"} 0
uplink_monitor_state{site="home",state="paused-speedtest"} 1
uplink_monitor_state{site="home",state="probing"} 0
uplink_monitor_state{site="home",state="stopped"} 0
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "uplink_monitor_state"); err != nil {
		t.Error(err)
	}
}

func Test_ipVersion(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{"ipv4", "127.0.0.1", "4"},
		{"ipv6", "::1", "6"},
		{"ipv4-google", "142.250.72.206", "4"},
		{"ipv6-google", "2607:f8b0:4005:810::200e", "6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ipVersion(&net.IPAddr{IP: net.ParseIP(tt.addr)}); got != tt.want {
				t.Errorf("ipVersion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_rttUnitFromString(t *testing.T) {
	tests := []struct {
		in   string
		want rttUnit
	}{
		{"s", rttInSeconds},
		{"ms", rttInMills},
		{"both", rttBoth},
		{"us", rttInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := rttUnitFromString(tt.in); got != tt.want {
				t.Errorf("rttUnitFromString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_customLabelSet(t *testing.T) {
	cl := newCustomLabelSet(config.TargetConfig{
		Addr: "dns.google",
		Labels: map[string]string{
			"site":   "home",
			"link":   "fiber",
			"target": "ignored",
		},
	})

	if got, want := strings.Join(cl.labelNames(), ","), "link,site"; got != want {
		t.Errorf("labelNames() = %v, want %v", got, want)
	}
	if got, want := strings.Join(cl.labelValues(), ","), "fiber,home"; got != want {
		t.Errorf("labelValues() = %v, want %v", got, want)
	}

	empty := newCustomLabelSet(config.TargetConfig{Addr: "8.8.8.8"})
	if len(empty.labelNames()) != 0 || len(empty.labelValues()) != 0 {
		t.Error("expected no custom labels")
	}
}
