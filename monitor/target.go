package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	errNoAddress       = errors.New("no address found")
	errNoUsableAddress = errors.New("no address in an address family the prober can reach")
)

type target struct {
	host     string
	resolver Resolver
	usable   func(net.IP) bool

	mutex sync.RWMutex
	addr  *net.IPAddr
}

func newTarget(host string, resolver Resolver, usable func(net.IP) bool) *target {
	return &target{host: host, resolver: resolver, usable: usable}
}

// resolve looks up the host. The current address is kept when it is still
// part of the answer, so a round-robin record does not make the target
// flap between addresses. Addresses the prober cannot reach are skipped.
// On failure the previous address stays in use.
func (t *target) resolve(ctx context.Context) error {
	addrs, err := t.resolver.LookupIPAddr(ctx, t.host)
	if err != nil {
		return fmt.Errorf("error resolving target %s: %w", t.host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("error resolving target %s: %w", t.host, errNoAddress)
	}
	if t.usable != nil {
		addrs = slices.DeleteFunc(slices.Clone(addrs), func(a net.IPAddr) bool {
			return !t.usable(a.IP)
		})
		if len(addrs) == 0 {
			return fmt.Errorf("error resolving target %s: %w", t.host, errNoUsableAddress)
		}
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.addr != nil && isIPInSlice(t.addr.IP, addrs) {
		return nil
	}

	next := addrs[0]
	if t.addr == nil {
		log.Infof("using address %s for target %s", next.String(), t.host)
	} else {
		log.Infof("target %s moved from %s to %s", t.host, t.addr.String(), next.String())
	}
	t.addr = &next

	return nil
}

func (t *target) address() *net.IPAddr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.addr
}

func isIPInSlice(ip net.IP, slice []net.IPAddr) bool {
	for _, x := range slice {
		if x.IP.Equal(ip) {
			return true
		}
	}

	return false
}
