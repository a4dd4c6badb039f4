package probe

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/czerwonk/uplink_exporter/stats"
	ping "github.com/digineo/go-ping"
)

// ICMP sends echo requests through raw sockets.
type ICMP struct {
	pinger *ping.Pinger
	v4, v6 bool
	closed atomic.Bool
}

// NewICMP opens the raw sockets. This requires root or CAP_NET_RAW.
func NewICMP(cfg Config) (*ICMP, error) {
	pinger, err := ping.New(cfg.Bind4, cfg.Bind6)
	if err != nil {
		return nil, fmt.Errorf("cannot open raw ICMP socket: %w", err)
	}

	if pinger.PayloadSize() != cfg.PayloadSize {
		pinger.SetPayloadSize(cfg.PayloadSize)
	}

	return &ICMP{pinger: pinger, v4: cfg.Bind4 != "", v6: cfg.Bind6 != ""}, nil
}

// Supports implements Prober. go-ping opens a socket for every family with
// a bind address.
func (p *ICMP) Supports(ip net.IP) bool {
	if ip.To4() != nil {
		return p.v4
	}
	return p.v6 && ip.To16() != nil
}

// Probe implements Prober.
func (p *ICMP) Probe(ctx context.Context, dst *net.IPAddr, timeout time.Duration) (stats.Sample, error) {
	if p.closed.Load() {
		return stats.Sample{}, ErrClosed
	}
	if !p.Supports(dst.IP) {
		return stats.Sample{}, unsupported(dst)
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rtt, err := p.pinger.PingContext(pctx, dst)

	return outcome(ctx, start, rtt, err)
}

// Close implements Prober.
func (p *ICMP) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.pinger.Close()
	}
	return nil
}
