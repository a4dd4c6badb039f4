package speedtest

import "time"

// Result is a single throughput measurement.
type Result struct {
	Timestamp     time.Time `json:"timestamp"`
	DownloadMbps  float64   `json:"download_mbps"`
	UploadMbps    float64   `json:"upload_mbps"`
	PingMs        float64   `json:"ping_ms"`
	ServerID      string    `json:"server_id,omitempty"`
	ServerName    string    `json:"server_name,omitempty"`
	ServerCountry string    `json:"server_country,omitempty"`
	ISP           string    `json:"isp,omitempty"`

	Duration time.Duration `json:"-"`
}

// Ping returns the latency to the selected server.
func (r *Result) Ping() time.Duration {
	return time.Duration(r.PingMs * float64(time.Millisecond))
}
