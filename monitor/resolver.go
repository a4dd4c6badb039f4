package monitor

import (
	"context"
	"net"
	"strings"
)

// Resolver resolves the probe target. *net.Resolver implements it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// NewResolver returns a resolver sending all queries to nameserver, or the
// system resolver when nameserver is empty. A missing port defaults to 53.
func NewResolver(nameserver string) *net.Resolver {
	if nameserver == "" {
		return net.DefaultResolver
	}

	if _, _, err := net.SplitHostPort(nameserver); err != nil {
		nameserver = net.JoinHostPort(strings.Trim(nameserver, "[]"), "53")
	}
	dialer := func(ctx context.Context, network, address string) (net.Conn, error) {
		d := net.Dialer{}

		return d.DialContext(ctx, "udp", nameserver)
	}

	return &net.Resolver{PreferGo: true, Dial: dialer}
}
