// Package speedtest measures download and upload throughput against the
// speedtest.net server network.
//
// A Runner is stateless between calls and performs no locking of its own:
// callers must make sure that runs never overlap with each other or with
// latency probing, because a run saturates the uplink.
package speedtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNetworkUnavailable is returned when the speedtest.net API cannot be reached.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrNoServer is returned when no usable test server was found.
	ErrNoServer = errors.New("no speedtest server found")
)

// Tester performs one blocking throughput measurement. progress may be nil.
type Tester interface {
	Run(ctx context.Context, progress func(Progress)) (*Result, error)
}

// Phase is the step a running measurement is in.
type Phase string

const (
	PhaseLatency  Phase = "latency"
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
)

// Progress is reported while a measurement runs. Mbps is the current rate
// of the transfer phases.
type Progress struct {
	Phase   Phase
	Elapsed time.Duration
	Mbps    float64
}

// Config controls how a run is executed.
type Config struct {
	// ServerCount is the number of closest servers which are pinged to
	// pick the one with the lowest latency.
	ServerCount int
	// ServerIDs restricts the candidates to the given speedtest.net server IDs.
	ServerIDs []string
	// MaxConnections is the number of parallel connections per transfer.
	MaxConnections int
	// SavingMode lowers the amount of transferred data.
	SavingMode bool
	// PingConcurrency caps how many candidate servers are pinged at once.
	PingConcurrency int
	// Timeout bounds a whole run. Zero means no limit beyond the caller's context.
	Timeout time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ServerCount:     5,
		MaxConnections:  4,
		PingConcurrency: 4,
		Timeout:         2 * time.Minute,
	}
}

// Runner executes speed tests.
type Runner struct {
	cfg Config
}

// NewRunner constructs a Runner, filling unset fields with defaults.
func NewRunner(cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.ServerCount <= 0 {
		cfg.ServerCount = def.ServerCount
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.PingConcurrency <= 0 {
		cfg.PingConcurrency = def.PingConcurrency
	}
	return &Runner{cfg: cfg}
}

// Run implements Tester.
func (r *Runner) Run(ctx context.Context, progress func(Progress)) (*Result, error) {
	cfg := r.cfg
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()

	// rate callbacks may fire after a transfer returned
	var finished atomic.Bool
	defer finished.Store(true)
	report := func(phase Phase, mbps float64) {
		if progress == nil || finished.Load() {
			return
		}
		progress(Progress{Phase: phase, Elapsed: time.Since(start), Mbps: mbps})
	}

	hc, tr := newHTTPClient(cfg)
	defer tr.CloseIdleConnections()

	// avoid the package-level client, it keeps snapshots across runs
	stc := st.New(
		st.WithDoer(hc),
		st.WithUserConfig(&st.UserConfig{
			SavingMode:     cfg.SavingMode,
			MaxConnections: cfg.MaxConnections,
		}),
	)
	stc.SetNThread(cfg.MaxConnections)
	stc.SetCallbackDownload(func(rate st.ByteRate) { report(PhaseDownload, rate.Mbps()) })
	stc.SetCallbackUpload(func(rate st.ByteRate) { report(PhaseUpload, rate.Mbps()) })
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, unavailable(ctx, "fetch user info", err)
	}

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, unavailable(ctx, "fetch server list", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}

	candidates := selectCandidates(servers, cfg.ServerIDs, cfg.ServerCount)
	if len(candidates) == 0 {
		return nil, ErrNoServer
	}

	report(PhaseLatency, 0)
	pinged, err := pingCandidates(ctx, candidates, cfg.PingConcurrency)
	if err != nil {
		return nil, err
	}
	server := fastest(pinged)
	if server == nil {
		return nil, fmt.Errorf("%w: all latency tests failed", ErrNoServer)
	}

	log.WithFields(log.Fields{
		"component": "speedtest",
		"server":    server.Sponsor,
		"country":   server.Country,
		"latency":   server.Latency,
	}).Debug("running full test")

	report(PhaseDownload, 0)
	if err := server.DownloadTestContext(ctx); err != nil {
		return nil, unavailable(ctx, "download test", err)
	}
	report(PhaseUpload, 0)
	if err := server.UploadTestContext(ctx); err != nil {
		return nil, unavailable(ctx, "upload test", err)
	}

	return &Result{
		Timestamp:     time.Now(),
		DownloadMbps:  server.DLSpeed.Mbps(),
		UploadMbps:    server.ULSpeed.Mbps(),
		PingMs:        float64(server.Latency) / float64(time.Millisecond),
		ServerID:      server.ID,
		ServerName:    server.Sponsor,
		ServerCountry: server.Country,
		ISP:           user.Isp,
		Duration:      time.Since(start),
	}, nil
}

// unavailable wraps a transfer error, unless the run was cancelled.
func unavailable(ctx context.Context, step string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", step, ctxErr)
	}
	return fmt.Errorf("%w: %s: %w", ErrNetworkUnavailable, step, err)
}

// selectCandidates returns up to n servers, closest first. A non-empty ids
// list restricts the result to those servers.
func selectCandidates(servers st.Servers, ids []string, n int) st.Servers {
	candidates := make(st.Servers, 0, len(servers))
	for _, s := range servers {
		if s == nil {
			continue
		}
		if len(ids) > 0 && !slices.Contains(ids, s.ID) {
			continue
		}
		candidates = append(candidates, s)
	}

	slices.SortStableFunc(candidates, func(a, b *st.Server) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	})

	if n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// pingCandidates measures the latency of every candidate and returns the
// ones that answered.
func pingCandidates(ctx context.Context, servers st.Servers, limit int) (st.Servers, error) {
	ok := make([]bool, len(servers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, s := range servers {
		g.Go(func() error {
			if err := s.PingTestContext(gctx, nil); err != nil {
				log.WithField("component", "speedtest").Debugf("ping %s failed: %v", s.Host, err)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pinged := make(st.Servers, 0, len(servers))
	for i, s := range servers {
		if ok[i] {
			pinged = append(pinged, s)
		}
	}
	return pinged, nil
}

// fastest returns the server with the lowest positive latency.
func fastest(servers st.Servers) *st.Server {
	var best *st.Server
	for _, s := range servers {
		if s == nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	return best
}

func newHTTPClient(cfg Config) (*http.Client, *http.Transport) {
	dialTimeout := 10 * time.Second
	if cfg.Timeout > 0 && cfg.Timeout/2 < dialTimeout {
		dialTimeout = max(cfg.Timeout/2, 2*time.Second)
	}

	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   max(cfg.MaxConnections, 2),
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{Transport: tr}, tr
}
