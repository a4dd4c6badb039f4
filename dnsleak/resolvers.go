package dnsleak

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"strings"
)

// DefaultResolvConf is where the system resolvers are read from when no
// resolver is configured explicitly.
const DefaultResolvConf = "/etc/resolv.conf"

// ResolverSet is the set of resolvers a host is expected to use. Entries
// are single addresses or CIDR prefixes (e.g. the egress range of a
// public resolver).
type ResolverSet struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
	entries  []string
}

// ParseResolvers validates and normalizes resolver entries. Accepted forms
// are "1.1.1.1", "1.1.1.1:53", "[2606:4700::1111]:53", "2606:4700::1111"
// and "172.64.0.0/13".
func ParseResolvers(entries []string) (*ResolverSet, error) {
	s := &ResolverSet{addrs: make(map[netip.Addr]struct{})}

	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}

		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid resolver prefix %q: %w", e, err)
			}
			p = p.Masked()
			if !slices.Contains(s.prefixes, p) {
				s.prefixes = append(s.prefixes, p)
				s.entries = append(s.entries, p.String())
			}
			continue
		}

		addr, err := parseAddr(e)
		if err != nil {
			return nil, err
		}
		if _, found := s.addrs[addr]; !found {
			s.addrs[addr] = struct{}{}
			s.entries = append(s.entries, addr.String())
		}
	}

	return s, nil
}

func parseAddr(e string) (netip.Addr, error) {
	if ap, err := netip.ParseAddrPort(e); err == nil {
		return ap.Addr().Unmap(), nil
	}

	addr, err := netip.ParseAddr(strings.Trim(e, "[]"))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid resolver address %q: %w", e, err)
	}
	return addr.Unmap(), nil
}

// Contains reports whether ip is one of the resolvers or inside one of the
// prefixes.
func (s *ResolverSet) Contains(ip netip.Addr) bool {
	ip = ip.Unmap()
	if _, found := s.addrs[ip]; found {
		return true
	}
	for _, p := range s.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (s *ResolverSet) Len() int {
	return len(s.entries)
}

// Strings returns the normalized entries in configuration order.
func (s *ResolverSet) Strings() []string {
	return slices.Clone(s.entries)
}

// SystemResolvers returns the nameservers listed in a resolv.conf file.
func SystemResolvers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read system resolvers: %w", err)
	}
	defer f.Close()

	var res []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		// strip a zone, e.g. fe80::1%eth0
		addr, _, _ := strings.Cut(fields[1], "%")
		res = append(res, addr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read system resolvers: %w", err)
	}

	return res, nil
}

// OnlyLoopback reports whether every entry is a loopback address, as with a
// local stub resolver like systemd-resolved. Such a host cannot tell its
// upstream resolvers from leaks.
func OnlyLoopback(entries []string) bool {
	if len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		addr, err := parseAddr(e)
		if err != nil || !addr.IsLoopback() {
			return false
		}
	}
	return true
}
