// Package monitor runs the uplink monitoring engine: a probe loop feeding a
// rolling stats window, and one-shot speed tests and DNS leak checks which
// suspend probing while they run.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/czerwonk/uplink_exporter/dnsleak"
	"github.com/czerwonk/uplink_exporter/probe"
	"github.com/czerwonk/uplink_exporter/speedtest"
	"github.com/czerwonk/uplink_exporter/stats"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned when a speed test or DNS check is already running.
	ErrBusy = errors.New("operation already running")

	// ErrStopped is returned when the engine is not running.
	ErrStopped = errors.New("engine not running")
)

// LeakChecker checks the resolvers in use against the configured ones.
// progress may be nil.
type LeakChecker interface {
	Check(ctx context.Context, configured []string, progress func(done, total int)) (*dnsleak.Result, error)
}

// Engine owns the probe loop, the stats window and the latest results.
//
// Probing, speed tests and DNS checks are mutually exclusive: they share a
// single slot gate. A speed test or DNS check reserves its slot under mtx,
// so further requests are rejected with ErrBusy, and then waits for the gate
// so an in-flight probe finishes first. Ticks finding the gate taken are
// skipped.
type Engine struct {
	cfg     Config
	prober  probe.Prober
	tester  speedtest.Tester
	checker LeakChecker
	target  *target
	window  *stats.Window
	logger  *log.Entry

	gate chan struct{}

	mtx        sync.Mutex
	state      State
	op         State // reserved one-shot operation, Stopped if none
	starting   bool
	started    bool
	stopped    bool
	resolvers  []string
	lastSample *stats.Sample
	speedTest  Report[speedtest.Result]
	dnsLeak    Report[dnsleak.Result]
	subs       map[int]chan *Snapshot
	nextSub    int

	current atomic.Pointer[Snapshot]

	opCtx      context.Context
	cancelOps  context.CancelFunc
	cancelLoop context.CancelFunc
	loops      sync.WaitGroup
	ops        sync.WaitGroup
	stopOnce   sync.Once
	done       chan struct{}
}

// New creates an engine. The engine owns prober and closes it on shutdown.
func New(cfg Config, prober probe.Prober, tester speedtest.Tester, checker LeakChecker) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor configuration: %w", err)
	}
	if prober == nil || tester == nil || checker == nil {
		return nil, errors.New("prober, speed tester and leak checker are required")
	}

	e := &Engine{
		cfg:       cfg,
		prober:    prober,
		tester:    tester,
		checker:   checker,
		target:    newTarget(cfg.Target, cfg.Resolver, prober.Supports),
		window:    stats.NewWindow(cfg.Window),
		logger:    log.WithField("component", "monitor"),
		gate:      make(chan struct{}, 1),
		resolvers: slices.Clone(cfg.Resolvers),
		subs:      make(map[int]chan *Snapshot),
		done:      make(chan struct{}),
	}
	e.opCtx, e.cancelOps = context.WithCancel(context.Background())

	e.mtx.Lock()
	e.publishLocked()
	e.mtx.Unlock()

	return e, nil
}

// Start resolves the target and starts probing. Unless disabled, a speed
// test is started first, so the engine begins in PausedSpeedTest.
// ctx only bounds the initial resolution. The target has to resolve to an
// address the prober can reach. Commands issued while the target is
// resolved fail with ErrStopped.
func (e *Engine) Start(ctx context.Context) error {
	e.mtx.Lock()
	switch {
	case e.stopped:
		e.mtx.Unlock()
		return ErrStopped
	case e.started || e.starting:
		e.mtx.Unlock()
		return errors.New("engine already started")
	}
	e.starting = true
	e.mtx.Unlock()

	err := e.target.resolve(ctx)

	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.starting = false
	if err != nil {
		return err
	}
	if e.stopped {
		return ErrStopped
	}

	e.started = true
	e.state = Probing
	if !e.cfg.SkipStartupSpeedTest {
		e.startOpLocked(PausedSpeedTest)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancelLoop = cancel

	e.loops.Add(1)
	go e.run(loopCtx)
	if e.cfg.TargetRefresh > 0 {
		e.loops.Add(1)
		go e.refreshTarget(loopCtx)
	}

	e.logger.Infof("started monitoring %s (interval=%s, timeout=%s, window=%s)",
		e.cfg.Target, e.cfg.Interval, e.cfg.Timeout, e.cfg.Window)
	e.publishLocked()

	return nil
}

// StartSpeedTestNow starts a speed test in the background. It returns
// ErrBusy if a speed test or DNS check is running and ErrStopped if the
// engine is not running. The result is published with the next snapshot.
func (e *Engine) StartSpeedTestNow() error {
	return e.startOp(PausedSpeedTest)
}

// CheckDNSLeakNow starts a DNS leak check in the background, see
// StartSpeedTestNow.
func (e *Engine) CheckDNSLeakNow() error {
	return e.startOp(PausedDNSCheck)
}

func (e *Engine) startOp(op State) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if !e.started || e.stopped {
		return ErrStopped
	}
	if e.op != Stopped {
		return fmt.Errorf("%w: %s", ErrBusy, e.op)
	}

	e.startOpLocked(op)
	e.publishLocked()

	return nil
}

func (e *Engine) startOpLocked(op State) {
	now := time.Now()
	e.op = op
	e.state = op

	switch op {
	case PausedSpeedTest:
		e.speedTest.start(now)
	case PausedDNSCheck:
		e.dnsLeak.start(now)
	}

	e.ops.Add(1)
	go e.runOp(op, slices.Clone(e.resolvers))
}

func (e *Engine) runOp(op State, resolvers []string) {
	defer e.ops.Done()

	var (
		speed *speedtest.Result
		leak  *dnsleak.Result
		err   error
	)
	defer func() {
		e.finishOp(op, speed, leak, err)
	}()

	select {
	case e.gate <- struct{}{}:
	case <-e.opCtx.Done():
		err = e.opCtx.Err()
		return
	}
	defer func() { <-e.gate }()

	start := time.Now()
	switch op {
	case PausedSpeedTest:
		e.logger.Infoln("running speed test")
		speed, err = e.tester.Run(e.opCtx, func(p speedtest.Progress) {
			e.updateProgress(op, &Progress{Phase: string(p.Phase), Elapsed: p.Elapsed, Mbps: p.Mbps})
		})
	case PausedDNSCheck:
		e.logger.Infoln("running DNS leak check")
		leak, err = e.checker.Check(e.opCtx, resolvers, func(done, total int) {
			e.updateProgress(op, &Progress{Phase: "lookup", Elapsed: time.Since(start), Done: done, Total: total})
		})
	}

	if err != nil {
		e.logger.Errorf("%s failed after %s: %v", op, time.Since(start).Round(time.Millisecond), err)
		return
	}
	e.logger.Infof("%s finished after %s", op, time.Since(start).Round(time.Millisecond))
}

// updateProgress publishes the progress of the running operation op.
func (e *Engine) updateProgress(op State, p *Progress) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	var updated bool
	switch op {
	case PausedSpeedTest:
		updated = e.speedTest.progress(p)
	case PausedDNSCheck:
		updated = e.dnsLeak.progress(p)
	}
	if updated {
		e.publishLocked()
	}
}

// finishOp stores the outcome and resumes probing within the same
// published snapshot.
func (e *Engine) finishOp(op State, speed *speedtest.Result, leak *dnsleak.Result, err error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	now := time.Now()
	switch op {
	case PausedSpeedTest:
		e.speedTest.finish(now, speed, err)
	case PausedDNSCheck:
		e.dnsLeak.finish(now, leak, err)
	}

	e.op = Stopped
	if !e.stopped {
		e.state = Probing
	}
	e.publishLocked()
}

func (e *Engine) run(ctx context.Context) {
	defer e.loops.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	select {
	case e.gate <- struct{}{}:
	default:
		return
	}
	defer func() { <-e.gate }()

	e.mtx.Lock()
	probing := e.state == Probing
	e.mtx.Unlock()
	if !probing {
		return
	}

	dst := e.target.address()
	sample, err := e.prober.Probe(ctx, dst, e.cfg.Timeout)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Errorf("probe of %s failed: %v", dst, err)
		}
		return
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	// a pause requested while probing discards the sample
	if e.state != Probing {
		return
	}

	e.window.Record(sample)
	e.lastSample = &sample
	e.publishLocked()
}

func (e *Engine) refreshTarget(ctx context.Context) {
	defer e.loops.Done()

	ticker := time.NewTicker(e.cfg.TargetRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.logger.Debugln("refreshing target address")
			rctx, cancel := context.WithTimeout(ctx, e.cfg.TargetRefresh)
			err := e.target.resolve(rctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				e.logger.Errorf("could not refresh target: %v", err)
			}
		}
	}
}

// SetResolvers replaces the expected resolvers used by subsequent DNS
// checks. Invalid entries are rejected and the previous list is kept.
func (e *Engine) SetResolvers(resolvers []string) error {
	if _, err := dnsleak.ParseResolvers(resolvers); err != nil {
		return err
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.resolvers = slices.Clone(resolvers)
	e.publishLocked()

	return nil
}

// Snapshot returns the most recently published snapshot.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

// Subscribe returns a channel receiving published snapshots. Only the
// latest snapshot is buffered, a slow reader misses intermediate ones.
// The channel is closed by the returned function or when the engine
// has shut down.
func (e *Engine) Subscribe() (<-chan *Snapshot, func()) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	ch := make(chan *Snapshot, 1)
	ch <- e.current.Load()

	if e.subs == nil {
		close(ch)
		return ch, func() {}
	}

	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch

	return ch, func() {
		e.mtx.Lock()
		defer e.mtx.Unlock()

		if c, found := e.subs[id]; found {
			delete(e.subs, id)
			close(c)
		}
	}
}

// publishLocked builds a snapshot and hands it to the subscribers without
// blocking. mtx must be held.
func (e *Engine) publishLocked() {
	s := &Snapshot{
		Time:       time.Now(),
		State:      e.state,
		Target:     e.cfg.Target,
		Address:    e.target.address(),
		Window:     e.window.Span(),
		Resolvers:  slices.Clone(e.resolvers),
		Metrics:    e.window.Compute(),
		LastSample: e.lastSample,
		Samples:    e.window.Samples(),
		SpeedTest:  e.speedTest,
		DNSLeak:    e.dnsLeak,
	}
	e.current.Store(s)

	for _, ch := range e.subs {
		select {
		case ch <- s:
			continue
		default:
		}

		// replace the unread snapshot
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// Stop requests shutdown and returns immediately. Probing stops at once.
// A running speed test or DNS check is awaited for ShutdownGrace and
// cancelled afterwards. Done is closed when teardown is complete.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mtx.Lock()
		e.stopped = true
		e.state = Stopped
		e.publishLocked()
		e.mtx.Unlock()

		go e.shutdown()
	})
}

// Done is closed after the engine has shut down.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) shutdown() {
	defer close(e.done)

	if e.cancelLoop != nil {
		e.cancelLoop()
	}
	e.loops.Wait()

	opsDone := make(chan struct{})
	go func() {
		e.ops.Wait()
		close(opsDone)
	}()

	select {
	case <-opsDone:
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warnf("cancelling running operation after %s", e.cfg.ShutdownGrace)
		e.cancelOps()
		<-opsDone
	}
	e.cancelOps()

	if err := e.prober.Close(); err != nil {
		e.logger.Errorf("could not close prober: %v", err)
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.subs = nil

	e.logger.Infoln("monitor stopped")
}
