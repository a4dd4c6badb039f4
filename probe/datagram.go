package probe

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/czerwonk/uplink_exporter/stats"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Datagram sends echo requests through unprivileged ICMP datagram sockets.
// The kernel rewrites the echo identifier, so replies are matched by
// sequence number and source address only.
type Datagram struct {
	conn4   *icmp.PacketConn
	conn6   *icmp.PacketConn
	id      int
	seq     atomic.Uint32
	payload []byte

	mtx    sync.Mutex // one echo in flight
	closed atomic.Bool
}

// NewDatagram opens the datagram sockets for the configured families.
func NewDatagram(cfg Config) (*Datagram, error) {
	p := &Datagram{
		id:      os.Getpid() & 0xffff,
		payload: make([]byte, cfg.PayloadSize),
	}
	if _, err := rand.Read(p.payload); err != nil {
		return nil, fmt.Errorf("cannot generate payload: %w", err)
	}

	var err error
	if cfg.Bind4 != "" {
		if p.conn4, err = icmp.ListenPacket("udp4", cfg.Bind4); err != nil {
			return nil, fmt.Errorf("cannot open ICMP datagram socket: %w", err)
		}
	}
	if cfg.Bind6 != "" {
		if p.conn6, err = icmp.ListenPacket("udp6", cfg.Bind6); err != nil {
			if p.conn4 == nil {
				return nil, fmt.Errorf("cannot open ICMPv6 datagram socket: %w", err)
			}
			// IPv4 alone is still useful
			p.conn6 = nil
		}
	}
	if p.conn4 == nil && p.conn6 == nil {
		return nil, errors.New("need at least one bind address")
	}

	return p, nil
}

// Probe implements Prober.
func (p *Datagram) Probe(ctx context.Context, dst *net.IPAddr, timeout time.Duration) (stats.Sample, error) {
	if p.closed.Load() {
		return stats.Sample{}, ErrClosed
	}

	var (
		conn      *icmp.PacketConn
		echoType  icmp.Type
		replyType icmp.Type
	)
	if dst.IP.To4() != nil {
		conn, echoType, replyType = p.conn4, ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
	} else {
		conn, echoType, replyType = p.conn6, ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
	}
	if conn == nil || dst.IP.To16() == nil {
		return stats.Sample{}, unsupported(dst)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	seq := int(uint16(p.seq.Add(1)))
	wm := icmp.Message{
		Type: echoType,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: p.payload},
	}
	wb, err := wm.Marshal(nil)
	if err != nil {
		return stats.Sample{}, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return stats.Sample{}, err
	}

	// a cancelled context interrupts the pending read
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	if _, err := conn.WriteTo(wb, &net.UDPAddr{IP: dst.IP, Zone: dst.Zone}); err != nil {
		return outcome(ctx, start, 0, err)
	}

	rb := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(rb)
		if err != nil {
			return outcome(ctx, start, 0, err)
		}
		rtt := time.Since(start)

		rm, err := icmp.ParseMessage(replyType.Protocol(), rb[:n])
		if err != nil {
			continue
		}
		if isReply(rm, replyType, seq, peer, dst) {
			return outcome(ctx, start, rtt, nil)
		}
	}
}

// Supports implements Prober.
func (p *Datagram) Supports(ip net.IP) bool {
	if ip.To4() != nil {
		return p.conn4 != nil
	}
	return p.conn6 != nil && ip.To16() != nil
}

// isReply reports whether msg answers the echo request with sequence seq
// sent to dst.
func isReply(msg *icmp.Message, replyType icmp.Type, seq int, peer net.Addr, dst *net.IPAddr) bool {
	if msg.Type != replyType {
		return false
	}

	echo, ok := msg.Body.(*icmp.Echo)
	if !ok || echo.Seq != seq {
		return false
	}

	switch addr := peer.(type) {
	case *net.UDPAddr:
		return addr.IP.Equal(dst.IP)
	case *net.IPAddr:
		return addr.IP.Equal(dst.IP)
	}
	return false
}

// Close implements Prober.
func (p *Datagram) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if p.conn4 != nil {
		errs = append(errs, p.conn4.Close())
	}
	if p.conn6 != nil {
		errs = append(errs, p.conn6.Close())
	}
	return errors.Join(errs...)
}
