package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/czerwonk/uplink_exporter/config"
	"github.com/czerwonk/uplink_exporter/dnsleak"
	"github.com/czerwonk/uplink_exporter/monitor"
	"github.com/czerwonk/uplink_exporter/probe"
	"github.com/czerwonk/uplink_exporter/speedtest"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const version string = "0.1.0"

var (
	showVersion      = kingpin.Flag("version", "Print version information").Default().Bool()
	listenAddress    = kingpin.Flag("web.listen-address", "Address on which to expose metrics and web interface").Default(":9428").String()
	metricsPath      = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics").Default("/metrics").String()
	apiRateLimit     = kingpin.Flag("web.api-rate-limit", "Commands per second accepted by the API").Default("0.1").Float64()
	apiRateBurst     = kingpin.Flag("web.api-rate-burst", "Burst of commands accepted by the API").Default("2").Int()
	configFile       = kingpin.Flag("config.path", "Path to config file, resolvers are reloaded on change").Default("").String()
	pingInterval     = kingpin.Flag("ping.interval", "Interval for ICMP echo requests").Default("1s").Duration()
	pingTimeout      = kingpin.Flag("ping.timeout", "Timeout for ICMP echo request").Default("1s").Duration()
	pingWindow       = kingpin.Flag("ping.window", "Time span of results statistics are computed over").Default("5m").Duration()
	pingMode         = kingpin.Flag("ping.mode", "Probe transport. Valid choices: [icmp, udp, auto]").Default("auto").String()
	pingSize         = kingpin.Flag("ping.size", "Payload size for ICMP echo requests").Default("56").Uint16()
	skipSpeedTest    = kingpin.Flag("speedtest.skip-startup", "Do not run a speed test on startup").Default("false").Bool()
	speedSchedule    = kingpin.Flag("speedtest.schedule", "Cron schedule for speed tests (empty if disabled)").Default("").String()
	speedServerCount = kingpin.Flag("speedtest.server-count", "Number of nearby servers to choose the speed test server from").Default("5").Int()
	speedTimeout     = kingpin.Flag("speedtest.timeout", "Timeout of a speed test").Default("2m").Duration()
	dnsRefresh       = kingpin.Flag("dns.refresh", "Interval for refreshing the address of the target (0 if disabled)").Default("1m").Duration()
	dnsNameServer    = kingpin.Flag("dns.nameserver", "DNS server used to resolve hostname of the target").Default("").String()
	dnsResolvers     = kingpin.Flag("dns.resolver", "Resolver expected to answer DNS queries, IP or CIDR (repeatable, default: /etc/resolv.conf; set it on hosts with a local stub resolver like systemd-resolved, 127.0.0.53 never shows up as upstream)").Strings()
	tailnet          = kingpin.Flag("dns.tailnet", "Tailnet whose nameservers are expected resolvers (requires TS_API_KEY)").Default("").String()
	leakSchedule     = kingpin.Flag("dnsleak.schedule", "Cron schedule for DNS leak checks (empty if disabled)").Default("").String()
	leakRounds       = kingpin.Flag("dnsleak.rounds", "Lookups per probe name containing {nonce}, fixed names are looked up once").Default("3").Int()
	leakTimeout      = kingpin.Flag("dnsleak.timeout", "Timeout of a single lookup").Default("3s").Duration()
	shutdownGrace    = kingpin.Flag("shutdown.grace", "Time a running speed test or DNS check is awaited on shutdown").Default("10s").Duration()
	logLevel         = kingpin.Flag("log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error, fatal]").Default("info").String()
	logFormat        = kingpin.Flag("log.format", "Log format. Valid choices: [text, json]").Default("text").String()
	rttMode          = kingpin.Flag("metrics.rttunit", "Export latencies as either millis, or seconds (default), or both. Valid choices: [ms, s, both]").Default("s").String()
	showUI           = kingpin.Flag("ui", "Show a terminal dashboard, logging is disabled").Default("false").Bool()
	targetArg        = kingpin.Arg("target", "Host to probe").String()
)

func main() {
	kingpin.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	setLogLevel(*logLevel)
	if !setLogFormat(*logFormat) {
		kingpin.FatalUsage("log.format must be `text` or `json`")
	}

	rttMetricsScale := rttUnitFromString(*rttMode)
	if rttMetricsScale == rttInvalid {
		kingpin.FatalUsage("metrics.rttunit must be `ms` for millis, or `s` for seconds, or `both`")
	}

	if mpath := *metricsPath; mpath == "" {
		log.Warnln("web.telemetry-path is empty, correcting to `/metrics`")
		mpath = "/metrics"
		metricsPath = &mpath
	} else if mpath[0] != '/' {
		mpath = "/" + mpath
		metricsPath = &mpath
	}

	cfg, err := loadConfig()
	if err != nil {
		kingpin.FatalUsage("could not load config.path: %v", err)
	}

	if cfg.Target.Addr == "" {
		kingpin.FatalUsage("a target must be specified")
	}
	if cfg.Ping.Size > 65500 {
		kingpin.FatalUsage("ping.size must be between 0 and 65500")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := setupEngine(ctx, cfg)
	if err != nil {
		log.Errorln(err)
		os.Exit(2)
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = engine.Start(startCtx)
	cancel()
	if err != nil {
		log.Errorf("cannot start monitoring: %v", err)
		os.Exit(2)
	}

	sched, err := newScheduler(engine, cfg.SpeedTest.Schedule, cfg.DNSLeak.Schedule)
	if err != nil {
		kingpin.FatalUsage("%v", err)
	}
	sched.Start()

	if *configFile != "" {
		reload := func() { reloadResolvers(ctx, engine) }
		if err := watchConfig(ctx, *configFile, reloadDebounce, reload); err != nil {
			log.Warnln(err)
		}
	}

	server := startServer(engine, newCustomLabelSet(cfg.Target), rttMetricsScale)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debugf("could not notify systemd: %v", err)
	}

	if *showUI {
		runDashboard(ctx, engine)
	} else {
		<-ctx.Done()
	}

	log.Infoln("shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	<-sched.Stop().Done()
	engine.Stop()
	<-engine.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("could not stop web server: %v", err)
	}
}

func printVersion() {
	fmt.Println("uplink-exporter")
	fmt.Printf("Version: %s\n", version)
	fmt.Println("Metric exporter for latency, packet loss, throughput and DNS leaks of an uplink")
}

func setupEngine(ctx context.Context, cfg *config.Config) (*monitor.Engine, error) {
	leakCfg := dnsleak.DefaultConfig()
	leakCfg.Rounds = cfg.DNSLeak.Rounds
	leakCfg.Timeout = cfg.DNSLeak.Timeout.Duration()
	if len(cfg.DNSLeak.Probes) > 0 {
		probes, err := probesFromConfig(cfg.DNSLeak.Probes)
		if err != nil {
			return nil, err
		}
		leakCfg.Probes = probes
	}

	resolvers, err := configuredResolvers(ctx, cfg)
	if err != nil {
		return nil, err
	}

	probeCfg := probe.DefaultConfig()
	probeCfg.Mode = probe.Mode(cfg.Ping.Mode)
	probeCfg.PayloadSize = cfg.Ping.Size
	prober, err := probe.New(probeCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot start monitoring: %w", err)
	}

	tester := speedtest.NewRunner(speedtest.Config{
		ServerCount: cfg.SpeedTest.ServerCount,
		ServerIDs:   cfg.SpeedTest.ServerIDs,
		Timeout:     cfg.SpeedTest.Timeout.Duration(),
	})

	detector := dnsleak.NewDetector(leakCfg, nil)

	engine, err := monitor.New(monitor.Config{
		Target:               cfg.Target.Addr,
		Interval:             cfg.Ping.Interval.Duration(),
		Timeout:              cfg.Ping.Timeout.Duration(),
		Window:               cfg.Ping.Window.Duration(),
		TargetRefresh:        cfg.DNS.Refresh.Duration(),
		ShutdownGrace:        *shutdownGrace,
		Resolvers:            resolvers,
		SkipStartupSpeedTest: cfg.SpeedTest.SkipStartup,
		Resolver:             monitor.NewResolver(cfg.DNS.Nameserver),
	}, prober, tester, detector)
	if err != nil {
		prober.Close()
		return nil, err
	}

	log.Infof("Created new monitor (target=%s, interval=%s, timeout=%s, window=%s)",
		cfg.Target.Addr,
		cfg.Ping.Interval.Duration(),
		cfg.Ping.Timeout.Duration(),
		cfg.Ping.Window.Duration())

	return engine, nil
}

// probesFromConfig converts the configured DNS leak probes. A missing type
// means A.
func probesFromConfig(probes []config.ProbeConfig) ([]dnsleak.Probe, error) {
	res := make([]dnsleak.Probe, 0, len(probes))
	for _, p := range probes {
		if strings.TrimSpace(p.Name) == "" {
			return nil, errors.New("dns leak probe without name")
		}

		typ := dnsleak.TypeA
		if p.Type != "" {
			t, err := dnsleak.ParseProbeType(p.Type)
			if err != nil {
				return nil, fmt.Errorf("dns leak probe %s: %w", p.Name, err)
			}
			typ = t
		}

		res = append(res, dnsleak.Probe{Name: p.Name, Type: typ})
	}

	return res, nil
}

// configuredResolvers returns the expected resolvers from the config
// extended by the nameservers of the tailnet, if one is configured.
func configuredResolvers(ctx context.Context, cfg *config.Config) ([]string, error) {
	resolvers := append([]string{}, cfg.DNS.Resolvers...)
	if cfg.DNS.Tailnet == "" {
		return resolvers, nil
	}

	ts, err := tsResolvers(ctx, cfg.DNS.Tailnet)
	if err != nil {
		return nil, fmt.Errorf("cannot discover tailnet resolvers: %w", err)
	}

	return append(resolvers, ts...), nil
}

func runDashboard(ctx context.Context, engine *monitor.Engine) {
	log.SetOutput(io.Discard)
	defer log.SetOutput(os.Stderr)

	updates, unsubscribe := engine.Subscribe()
	defer unsubscribe()

	if err := newDashboard(engine).run(ctx, updates); err != nil {
		log.SetOutput(os.Stderr)
		log.Errorf("dashboard failed: %v", err)
	}
}

func startServer(engine *monitor.Engine, customLabels *customLabelSet, scale rttUnit) *http.Server {
	log.Infof("Starting uplink exporter (Version: %s)", version)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, indexHTML, *metricsPath)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(newUplinkCollector(engine, customLabels, scale))

	l := log.New()
	l.Level = log.ErrorLevel

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      l,
		ErrorHandling: promhttp.ContinueOnError,
	})
	mux.Handle(*metricsPath, h)

	newAPIHandler(engine, *apiRateLimit, *apiRateBurst).register(mux)

	server := &http.Server{
		Addr:              *listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Listening for %s on %s", *metricsPath, *listenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	return server
}

func loadConfig() (*config.Config, error) {
	if *configFile == "" {
		cfg := config.Config{}
		addFlagToConfig(&cfg)

		return &cfg, nil
	}

	f, err := os.Open(*configFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load config file: %w", err)
	}
	defer f.Close()

	cfg, err := config.FromYAML(f)
	if err == nil {
		addFlagToConfig(cfg)
	}

	return cfg, err
}

// addFlagToConfig updates cfg with command line flag values, unless the
// config has non-zero values.
func addFlagToConfig(cfg *config.Config) {
	if cfg.Target.Addr == "" {
		cfg.Target.Addr = *targetArg
	}
	if cfg.Ping.Interval == 0 {
		cfg.Ping.Interval.Set(*pingInterval)
	}
	if cfg.Ping.Timeout == 0 {
		cfg.Ping.Timeout.Set(*pingTimeout)
	}
	if cfg.Ping.Window == 0 {
		cfg.Ping.Window.Set(*pingWindow)
	}
	if cfg.Ping.Mode == "" {
		cfg.Ping.Mode = *pingMode
	}
	if cfg.Ping.Size == 0 {
		cfg.Ping.Size = *pingSize
	}
	if !cfg.SpeedTest.SkipStartup {
		cfg.SpeedTest.SkipStartup = *skipSpeedTest
	}
	if cfg.SpeedTest.Schedule == "" {
		cfg.SpeedTest.Schedule = *speedSchedule
	}
	if cfg.SpeedTest.ServerCount == 0 {
		cfg.SpeedTest.ServerCount = *speedServerCount
	}
	if cfg.SpeedTest.Timeout == 0 {
		cfg.SpeedTest.Timeout.Set(*speedTimeout)
	}
	if cfg.DNS.Refresh == 0 {
		cfg.DNS.Refresh.Set(*dnsRefresh)
	}
	if cfg.DNS.Nameserver == "" {
		cfg.DNS.Nameserver = *dnsNameServer
	}
	if len(cfg.DNS.Resolvers) == 0 {
		cfg.DNS.Resolvers = *dnsResolvers
	}
	if cfg.DNS.Tailnet == "" {
		cfg.DNS.Tailnet = *tailnet
	}
	if cfg.DNSLeak.Schedule == "" {
		cfg.DNSLeak.Schedule = *leakSchedule
	}
	if cfg.DNSLeak.Rounds == 0 {
		cfg.DNSLeak.Rounds = *leakRounds
	}
	if cfg.DNSLeak.Timeout == 0 {
		cfg.DNSLeak.Timeout.Set(*leakTimeout)
	}
}

const indexHTML = `<!doctype html>
<html>
<head>
	<meta charset="UTF-8">
	<title>uplink Exporter (Version ` + version + `)</title>
</head>
<body>
	<h1>uplink Exporter</h1>
	<p><a href="%s">Metrics</a></p>
	<p><a href="/api/status">Status</a></p>
	<h2>Commands</h2>
	<p><code>POST /api/speedtest</code> starts a speed test, <code>POST /api/dnsleak</code> a DNS leak check.</p>
</body>
</html>
`
