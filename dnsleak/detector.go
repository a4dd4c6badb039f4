// Package dnsleak detects DNS leaks: it resolves names whose answer reveals
// the egress address of the recursive resolver that handled the query, and
// compares the resolvers observed against the configured ones.
package dnsleak

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrDetectionFailed is returned when not a single lookup succeeded. It is
// distinct from a result without leak.
var ErrDetectionFailed = errors.New("dns leak detection failed")

// NoncePlaceholder in a probe name is replaced by a random label per lookup,
// so consecutive lookups never hit a cached answer. Only names containing it
// are looked up more than once per check.
const NoncePlaceholder = "{nonce}"

// ProbeType is the record type queried by a probe.
type ProbeType string

const (
	TypeA   ProbeType = "A"
	TypeTXT ProbeType = "TXT"
)

// ParseProbeType accepts the supported record types, case insensitive.
func ParseProbeType(s string) (ProbeType, error) {
	switch t := ProbeType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeA, TypeTXT:
		return t, nil
	}
	return "", fmt.Errorf("unsupported probe type %q (valid: A, TXT)", s)
}

// Probe is a name whose answer contains the address of the resolver asking
// the authoritative server.
type Probe struct {
	Name string
	Type ProbeType
}

// DefaultProbes answer with the egress address of the querying resolver.
// Each is operated by a different party, so every lookup of a check takes
// its own path through the resolver cache.
var DefaultProbes = []Probe{
	{Name: "whoami.akamai.net", Type: TypeA},
	{Name: "o-o.myaddr.l.google.com", Type: TypeTXT},
	{Name: "resolver.dnscrypt.info", Type: TypeTXT},
}

// Resolver is the resolution path under test. *net.Resolver implements it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Config controls a leak check.
type Config struct {
	Probes      []Probe
	Rounds      int           // lookups per probe containing NoncePlaceholder
	Workers     int           // parallel lookups
	Timeout     time.Duration // per lookup
	ResolvConf  string        // system resolvers, used when none are configured
	PublicIPURL string        // optional, JSON {"ip": "..."} or plain text
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Probes:      DefaultProbes,
		Rounds:      3,
		Workers:     5,
		Timeout:     3 * time.Second,
		ResolvConf:  DefaultResolvConf,
		PublicIPURL: "https://api.ipify.org?format=json",
	}
}

// Result of a leak check.
type Result struct {
	Timestamp  time.Time `json:"timestamp"`
	Configured []string  `json:"configured"`
	Detected   []string  `json:"detected"`
	Leaked     []string  `json:"leaked"`
	Leak       bool      `json:"leak"`
	Lookups    int       `json:"lookups"`
	Succeeded  int       `json:"succeeded"`
	PublicIP   string    `json:"public_ip,omitempty"`
}

// Detector runs leak checks. It is stateless between calls.
type Detector struct {
	cfg      Config
	resolver Resolver
	client   *http.Client
}

// NewDetector creates a Detector. A nil resolver selects the system's
// default resolution path.
func NewDetector(cfg Config, resolver Resolver) *Detector {
	def := DefaultConfig()
	if len(cfg.Probes) == 0 {
		cfg.Probes = def.Probes
	}
	probes := make([]Probe, len(cfg.Probes))
	for i, p := range cfg.Probes {
		if p.Type == "" {
			p.Type = TypeA
		}
		probes[i] = p
	}
	cfg.Probes = probes
	if cfg.Rounds <= 0 {
		cfg.Rounds = def.Rounds
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ResolvConf == "" {
		cfg.ResolvConf = def.ResolvConf
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	return &Detector{
		cfg:      cfg,
		resolver: resolver,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Check resolves the probes and compares the resolvers seen against
// configured. An empty configured list is replaced by the system resolvers.
// Failed lookups are tolerated as long as one succeeds. progress, if not
// nil, is called after every finished lookup.
func (d *Detector) Check(ctx context.Context, configured []string, progress func(done, total int)) (*Result, error) {
	logger := log.WithField("component", "dnsleak")

	if len(configured) == 0 {
		sys, err := SystemResolvers(d.cfg.ResolvConf)
		if err != nil {
			return nil, err
		}
		if OnlyLoopback(sys) {
			logger.Warnf("%s lists only local stub resolvers %v, every upstream resolver will be reported as leak; configure the expected resolvers", d.cfg.ResolvConf, sys)
		}
		configured = sys
	}

	expected, err := ParseResolvers(configured)
	if err != nil {
		return nil, err
	}

	names := d.lookupNames()
	total := len(names)

	var (
		mtx       sync.Mutex
		detected  = make(map[netip.Addr]struct{})
		succeeded int
		done      atomic.Int32
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, p := range names {
		g.Go(func() error {
			addrs, err := d.lookup(gctx, p)
			if progress != nil {
				progress(int(done.Add(1)), total)
			}
			if err != nil {
				logger.Debugf("lookup %s %s failed: %v", p.Type, p.Name, err)
				return nil
			}

			mtx.Lock()
			succeeded++
			for _, a := range addrs {
				detected[a] = struct{}{}
			}
			mtx.Unlock()
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("%w: none of %d lookups succeeded", ErrDetectionFailed, total)
	}

	res := &Result{
		Timestamp:  time.Now(),
		Configured: expected.Strings(),
		Detected:   []string{},
		Leaked:     []string{},
		Lookups:    total,
		Succeeded:  succeeded,
	}

	sorted := make([]netip.Addr, 0, len(detected))
	for a := range detected {
		sorted = append(sorted, a)
	}
	slices.SortFunc(sorted, func(a, b netip.Addr) int { return a.Compare(b) })

	for _, a := range sorted {
		res.Detected = append(res.Detected, a.String())
		if !expected.Contains(a) {
			res.Leaked = append(res.Leaked, a.String())
		}
	}
	res.Leak = len(res.Leaked) > 0

	if d.cfg.PublicIPURL != "" {
		ip, err := d.publicIP(ctx)
		if err != nil {
			logger.Debugf("cannot determine public IP: %v", err)
		}
		res.PublicIP = ip
	}

	return res, nil
}

// lookupNames expands the probes into the individual lookups. A fixed name
// is looked up once, repeating it would only be answered from cache.
func (d *Detector) lookupNames() []Probe {
	res := make([]Probe, 0, len(d.cfg.Probes)*d.cfg.Rounds)
	for _, p := range d.cfg.Probes {
		rounds := 1
		if strings.Contains(p.Name, NoncePlaceholder) {
			rounds = d.cfg.Rounds
		}
		for i := 0; i < rounds; i++ {
			res = append(res, Probe{Name: expandNonce(p.Name), Type: p.Type})
		}
	}
	return res
}

func expandNonce(name string) string {
	if !strings.Contains(name, NoncePlaceholder) {
		return name
	}

	buf := make([]byte, 8)
	rand.Read(buf)
	return strings.ReplaceAll(name, NoncePlaceholder, hex.EncodeToString(buf))
}

// lookup runs a single query with its own timeout and returns the resolver
// addresses found in the answer.
func (d *Detector) lookup(ctx context.Context, p Probe) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var (
		answers []string
		err     error
	)
	switch p.Type {
	case TypeTXT:
		answers, err = d.resolver.LookupTXT(ctx, p.Name)
	case TypeA:
		answers, err = d.resolver.LookupHost(ctx, p.Name)
	default:
		return nil, fmt.Errorf("unsupported probe type %q", p.Type)
	}
	if err != nil {
		return nil, err
	}

	return answerAddrs(answers)
}

// answerAddrs extracts the addresses from answers. TXT answers may carry
// text around the address ("Resolver IP: 192.0.2.1"), prefixes such as an
// EDNS client subnet are ignored.
func answerAddrs(answers []string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(answers))
	for _, a := range answers {
		for _, f := range strings.Fields(a) {
			if ip, err := netip.ParseAddr(strings.Trim(f, `"',;`)); err == nil {
				addrs = append(addrs, ip.Unmap())
			}
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no resolver address in answer %v", answers)
	}
	return addrs, nil
}

// publicIP asks an echo service for the public address of this host.
func (d *Detector) publicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.PublicIPURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", err
	}

	var v struct {
		IP string `json:"ip"`
	}
	if json.Unmarshal(body, &v) == nil && v.IP != "" {
		return v.IP, nil
	}

	ip, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return "", fmt.Errorf("unexpected answer %q", body)
	}
	return ip.String(), nil
}
