package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/czerwonk/uplink_exporter/dnsleak"
	"github.com/czerwonk/uplink_exporter/monitor"
	"github.com/czerwonk/uplink_exporter/speedtest"
	"github.com/czerwonk/uplink_exporter/stats"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// commander is the part of the engine driven by the API, the scheduler and
// the dashboard.
type commander interface {
	snapshotSource
	StartSpeedTestNow() error
	CheckDNSLeakNow() error
}

type apiHandler struct {
	engine  commander
	limiter *rate.Limiter
}

// newAPIHandler creates the JSON API. Commands are limited to limit per
// second with the given burst, status requests are not limited.
func newAPIHandler(engine commander, limit float64, burst int) *apiHandler {
	if burst < 1 {
		burst = 1
	}

	return &apiHandler{
		engine:  engine,
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}
}

func (a *apiHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", a.status)
	mux.HandleFunc("POST /api/speedtest", a.command("speed test", a.engine.StartSpeedTestNow))
	mux.HandleFunc("POST /api/dnsleak", a.command("dns leak check", a.engine.CheckDNSLeakNow))
}

func (a *apiHandler) status(w http.ResponseWriter, r *http.Request) {
	s := a.engine.Snapshot()
	if s == nil {
		writeJSON(w, http.StatusServiceUnavailable, messageResponse{Error: monitor.ErrStopped.Error()})
		return
	}

	writeJSON(w, http.StatusOK, newStatusResponse(s))
}

func (a *apiHandler) command(name string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, messageResponse{Error: "rate limit exceeded"})
			return
		}

		err := fn()
		switch {
		case err == nil:
			log.Infof("%s requested by %s", name, r.RemoteAddr)
			writeJSON(w, http.StatusAccepted, messageResponse{Status: "accepted"})
		case errors.Is(err, monitor.ErrBusy):
			writeJSON(w, http.StatusConflict, messageResponse{Error: err.Error()})
		case errors.Is(err, monitor.ErrStopped):
			writeJSON(w, http.StatusServiceUnavailable, messageResponse{Error: err.Error()})
		default:
			log.Errorf("could not start %s: %v", name, err)
			writeJSON(w, http.StatusInternalServerError, messageResponse{Error: err.Error()})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("could not write response: %v", err)
	}
}

type messageResponse struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type statusResponse struct {
	Time          time.Time                      `json:"time"`
	State         monitor.State                  `json:"state"`
	Paused        bool                           `json:"paused"`
	Target        string                         `json:"target"`
	Address       string                         `json:"address,omitempty"`
	WindowSeconds float64                        `json:"window_seconds"`
	Resolvers     []string                       `json:"resolvers"`
	Window        *windowStatus                  `json:"window"`
	LastSample    *sampleStatus                  `json:"last_sample,omitempty"`
	SpeedTest     reportStatus[speedtest.Result] `json:"speedtest"`
	DNSLeak       reportStatus[dnsleak.Result]   `json:"dns_leak"`
}

// windowStatus is null in the response when the window holds no samples.
type windowStatus struct {
	Samples   int            `json:"samples"`
	Lost      int            `json:"lost"`
	LossRatio float64        `json:"loss_ratio"`
	Latency   *latencyStatus `json:"latency"`
}

type latencyStatus struct {
	BestMs   float64 `json:"best_ms"`
	WorstMs  float64 `json:"worst_ms"`
	MeanMs   float64 `json:"mean_ms"`
	MedianMs float64 `json:"median_ms"`
	StdDevMs float64 `json:"stddev_ms"`
}

type sampleStatus struct {
	Timestamp time.Time `json:"timestamp"`
	Lost      bool      `json:"lost"`
	RTTMs     *float64  `json:"rtt_ms,omitempty"`
}

type reportStatus[T any] struct {
	Running  bool            `json:"running"`
	Progress *progressStatus `json:"progress,omitempty"`
	Started  *time.Time      `json:"started,omitempty"`
	Finished *time.Time      `json:"finished,omitempty"`
	Result   *T              `json:"result"`
	Error    string          `json:"error,omitempty"`
}

type progressStatus struct {
	Phase          string  `json:"phase"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Done           int     `json:"done,omitempty"`
	Total          int     `json:"total,omitempty"`
	Mbps           float64 `json:"mbps,omitempty"`
}

func newStatusResponse(s *monitor.Snapshot) *statusResponse {
	res := &statusResponse{
		Time:          s.Time,
		State:         s.State,
		Paused:        s.Paused(),
		Target:        s.Target,
		WindowSeconds: s.Window.Seconds(),
		Resolvers:     s.Resolvers,
		SpeedTest:     newReportStatus(s.SpeedTest),
		DNSLeak:       newReportStatus(s.DNSLeak),
	}
	if res.Resolvers == nil {
		res.Resolvers = []string{}
	}
	if s.Address != nil {
		res.Address = s.Address.String()
	}

	if m := s.Metrics; m != nil {
		res.Window = &windowStatus{
			Samples:   m.PacketsSent,
			Lost:      m.PacketsLost,
			LossRatio: m.LossRatio(),
		}
		if m.HasLatency() {
			res.Window.Latency = &latencyStatus{
				BestMs:   millis(m.Best),
				WorstMs:  millis(m.Worst),
				MeanMs:   millis(m.Mean),
				MedianMs: millis(m.Median),
				StdDevMs: millis(m.StdDev),
			}
		}
	}

	if s.LastSample != nil {
		res.LastSample = newSampleStatus(*s.LastSample)
	}

	return res
}

func newSampleStatus(sample stats.Sample) *sampleStatus {
	st := &sampleStatus{Timestamp: sample.Timestamp, Lost: sample.Lost}
	if rtt, ok := sample.Latency(); ok {
		ms := millis(rtt)
		st.RTTMs = &ms
	}

	return st
}

func newReportStatus[T any](r monitor.Report[T]) reportStatus[T] {
	st := reportStatus[T]{
		Running: r.Running,
		Result:  r.Result,
	}
	if !r.Started.IsZero() {
		st.Started = &r.Started
	}
	if !r.Finished.IsZero() {
		st.Finished = &r.Finished
	}
	if r.Err != nil {
		st.Error = r.Err.Error()
	}
	if p := r.Progress; p != nil {
		st.Progress = &progressStatus{
			Phase:          p.Phase,
			ElapsedSeconds: p.Elapsed.Seconds(),
			Done:           p.Done,
			Total:          p.Total,
			Mbps:           p.Mbps,
		}
	}

	return st
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
