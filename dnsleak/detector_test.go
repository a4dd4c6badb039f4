package dnsleak

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver answers by probe name suffix. A missing entry fails the lookup.
type fakeResolver struct {
	hosts map[string][]string
	txt   map[string][]string

	mtx   sync.Mutex
	names []string
}

func (r *fakeResolver) find(m map[string][]string, name string) ([]string, error) {
	r.mtx.Lock()
	r.names = append(r.names, name)
	r.mtx.Unlock()

	for suffix, answers := range m {
		if strings.HasSuffix(name, suffix) {
			return answers, nil
		}
	}
	return nil, fmt.Errorf("lookup %s: i/o timeout", name)
}

func (r *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return r.find(r.hosts, host)
}

func (r *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return r.find(r.txt, name)
}

func testConfig() Config {
	return Config{
		Probes: []Probe{
			{Name: "{nonce}.whoami.test", Type: TypeA},
			{Name: "myaddr.test", Type: TypeTXT},
		},
		Rounds:  2,
		Workers: 2,
		Timeout: time.Second,
	}
}

func TestCheckNoLeak(t *testing.T) {
	r := &fakeResolver{
		hosts: map[string][]string{"whoami.test": {"192.0.2.1"}},
		txt:   map[string][]string{"myaddr.test": {"192.0.2.1"}},
	}

	res, err := NewDetector(testConfig(), r).Check(context.Background(), []string{"192.0.2.1", "192.0.2.2"}, nil)
	require.NoError(t, err)

	assert.False(t, res.Leak)
	assert.Equal(t, []string{"192.0.2.1"}, res.Detected)
	assert.Empty(t, res.Leaked)
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.2"}, res.Configured)
	assert.Equal(t, 3, res.Lookups)
	assert.Equal(t, 3, res.Succeeded)
}

func TestCheckLeak(t *testing.T) {
	r := &fakeResolver{
		hosts: map[string][]string{"whoami.test": {"192.0.2.1"}},
		txt:   map[string][]string{"myaddr.test": {"Resolver IP: 198.51.100.7", "edns0-client-subnet 203.0.113.0/24"}},
	}

	res, err := NewDetector(testConfig(), r).Check(context.Background(), []string{"192.0.2.1", "192.0.2.2"}, nil)
	require.NoError(t, err)

	assert.True(t, res.Leak)
	assert.Equal(t, []string{"192.0.2.1", "198.51.100.7"}, res.Detected)
	assert.Equal(t, []string{"198.51.100.7"}, res.Leaked)
}

func TestCheckPrefix(t *testing.T) {
	r := &fakeResolver{
		hosts: map[string][]string{"whoami.test": {"172.68.10.20"}},
	}

	res, err := NewDetector(testConfig(), r).Check(context.Background(), []string{"1.1.1.1", "172.64.0.0/13"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Leak)
	assert.Equal(t, []string{"1.1.1.1", "172.64.0.0/13"}, res.Configured)
}

func TestCheckPartialFailure(t *testing.T) {
	r := &fakeResolver{
		txt: map[string][]string{"myaddr.test": {"192.0.2.9"}},
	}

	res, err := NewDetector(testConfig(), r).Check(context.Background(), []string{"192.0.2.1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Lookups)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []string{"192.0.2.9"}, res.Leaked)
}

func TestCheckDetectionFailed(t *testing.T) {
	r := &fakeResolver{
		hosts: map[string][]string{"whoami.test": {"not-an-address"}},
	}

	res, err := NewDetector(testConfig(), r).Check(context.Background(), []string{"192.0.2.1"}, nil)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrDetectionFailed), "unexpected error: %v", err)
}

func TestCheckInvalidResolver(t *testing.T) {
	r := &fakeResolver{}

	_, err := NewDetector(testConfig(), r).Check(context.Background(), []string{"dns.example"}, nil)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrDetectionFailed))
	assert.Empty(t, r.names, "no lookup must be issued for an invalid configuration")
}

func TestCheckUsesNonce(t *testing.T) {
	r := &fakeResolver{
		hosts: map[string][]string{"whoami.test": {"192.0.2.1"}},
	}

	_, err := NewDetector(testConfig(), r).Check(context.Background(), []string{"192.0.2.1"}, nil)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, n := range r.names {
		if strings.HasSuffix(n, ".whoami.test") {
			assert.NotContains(t, n, NoncePlaceholder)
			assert.False(t, seen[n], "name %s queried twice", n)
			seen[n] = true
		}
	}
	assert.Len(t, seen, 2)
}

func TestCheckProgress(t *testing.T) {
	r := &fakeResolver{
		hosts: map[string][]string{"whoami.test": {"192.0.2.1"}},
	}

	var mtx sync.Mutex
	var calls []int
	progress := func(done, total int) {
		mtx.Lock()
		calls = append(calls, done)
		mtx.Unlock()
		assert.Equal(t, 3, total)
	}

	_, err := NewDetector(testConfig(), r).Check(context.Background(), []string{"192.0.2.1"}, progress)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2, 3}, calls)
}

func TestCheckFixedNamesQueriedOnce(t *testing.T) {
	r := &fakeResolver{
		hosts: map[string][]string{"whoami.akamai.net": {"192.0.2.1"}},
		txt: map[string][]string{
			"o-o.myaddr.l.google.com": {"192.0.2.1"},
			"resolver.dnscrypt.info":  {"Resolver IP: 192.0.2.1"},
		},
	}

	cfg := DefaultConfig()
	cfg.PublicIPURL = ""
	res, err := NewDetector(cfg, r).Check(context.Background(), []string{"192.0.2.1"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Leak)

	seen := make(map[string]int)
	for _, n := range r.names {
		seen[n]++
	}
	assert.Len(t, seen, len(DefaultProbes))
	for n, count := range seen {
		assert.Equal(t, 1, count, "name %s queried %d times", n, count)
	}
	assert.Equal(t, len(DefaultProbes), res.Lookups)
}

func TestCheckUntypedProbeIsA(t *testing.T) {
	r := &fakeResolver{
		hosts: map[string][]string{"whoami.test": {"192.0.2.1"}},
	}

	cfg := testConfig()
	cfg.Probes = []Probe{{Name: "whoami.test"}}
	res, err := NewDetector(cfg, r).Check(context.Background(), []string{"192.0.2.1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
}

func TestParseProbeType(t *testing.T) {
	tests := []struct {
		in      string
		want    ProbeType
		wantErr bool
	}{
		{"A", TypeA, false},
		{"txt", TypeTXT, false},
		{" TXT ", TypeTXT, false},
		{"AAAA", "", true},
		{"", "", true},
		{"MX", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProbeType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseProbeType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnswerAddrs(t *testing.T) {
	got, err := answerAddrs([]string{"Resolver IP: 192.0.2.1", "edns0-client-subnet 203.0.113.0/24", "2001:db8::53", "::ffff:198.51.100.1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1", "2001:db8::53", "198.51.100.1"}, addrStrings(got))

	_, err = answerAddrs([]string{"no address here"})
	assert.Error(t, err)
}

func addrStrings(addrs []netip.Addr) []string {
	res := make([]string, len(addrs))
	for i, a := range addrs {
		res[i] = a.String()
	}
	return res
}

func TestCheckSystemResolvers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("search lan\nnameserver 192.0.2.53\n"), 0o644))

	cfg := testConfig()
	cfg.ResolvConf = path
	r := &fakeResolver{
		hosts: map[string][]string{"whoami.test": {"192.0.2.53"}},
	}

	res, err := NewDetector(cfg, r).Check(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.53"}, res.Configured)
	assert.False(t, res.Leak)
}

func TestCheckPublicIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ip":"203.0.113.5"}`)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.PublicIPURL = srv.URL
	r := &fakeResolver{
		hosts: map[string][]string{"whoami.test": {"192.0.2.1"}},
	}

	res, err := NewDetector(cfg, r).Check(context.Background(), []string{"192.0.2.1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", res.PublicIP)
}

func TestCheckCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &fakeResolver{
		hosts: map[string][]string{"whoami.test": {"192.0.2.1"}},
	}
	_, err := NewDetector(testConfig(), r).Check(ctx, []string{"192.0.2.1"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
