// Package probe sends single latency probes to a target and turns the
// outcome into a stats.Sample.
//
// A probe that times out or cannot reach its destination is an expected
// outcome and yields a lost sample. Errors are reserved for faults of the
// prober itself (closed socket, cancelled context, unusable address family).
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/czerwonk/uplink_exporter/stats"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by Probe after Close was called.
	ErrClosed = errors.New("prober closed")

	// ErrUnsupportedFamily is returned by Probe for a destination whose
	// address family has no socket.
	ErrUnsupportedFamily = errors.New("address family not supported by prober")
)

// Prober sends one latency probe at a time.
type Prober interface {
	// Probe sends a single probe to dst and waits up to timeout for the answer.
	Probe(ctx context.Context, dst *net.IPAddr, timeout time.Duration) (stats.Sample, error)

	// Supports reports whether the prober has a socket for the address
	// family of ip.
	Supports(ip net.IP) bool

	// Close releases the sockets of the prober.
	Close() error
}

// New opens a prober for the configured mode. Socket failures are returned
// here, so a misconfigured host fails at startup rather than on every tick.
func New(cfg Config) (Prober, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case ModeICMP:
		p, err := NewICMP(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ModeUDP:
		d, err := NewDatagram(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	}

	p, err := NewICMP(cfg)
	if err == nil {
		log.Debugln("using raw ICMP sockets for probing")
		return p, nil
	}
	log.Debugf("raw ICMP sockets unavailable (%v), falling back to datagram sockets", err)

	d, derr := NewDatagram(cfg)
	if derr != nil {
		return nil, fmt.Errorf("cannot open any probe socket: %w", errors.Join(err, derr))
	}
	return d, nil
}

func unsupported(dst *net.IPAddr) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedFamily, dst)
}

// outcome maps the result of a single echo request onto a sample.
func outcome(ctx context.Context, start time.Time, rtt time.Duration, err error) (stats.Sample, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stats.Sample{}, ctxErr
	}

	if err != nil {
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrUnsupportedFamily) {
			return stats.Sample{}, err
		}

		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			log.Debugf("probe failed: %v", err)
		}
		return stats.Loss(start), nil
	}

	return stats.Success(start, rtt), nil
}
