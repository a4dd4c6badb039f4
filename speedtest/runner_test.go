package speedtest

import (
	"testing"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

func servers() st.Servers {
	return st.Servers{
		{ID: "1", Sponsor: "far", Distance: 900},
		{ID: "2", Sponsor: "near", Distance: 10},
		nil,
		{ID: "3", Sponsor: "middle", Distance: 150},
		{ID: "4", Sponsor: "close", Distance: 40},
	}
}

func ids(servers st.Servers) []string {
	res := make([]string, len(servers))
	for i, s := range servers {
		res[i] = s.ID
	}
	return res
}

func TestSelectCandidates(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		n    int
		want []string
	}{
		{"closest-two", nil, 2, []string{"2", "4"}},
		{"all", nil, 0, []string{"2", "4", "3", "1"}},
		{"more-than-available", nil, 10, []string{"2", "4", "3", "1"}},
		{"filtered", []string{"1", "3"}, 5, []string{"3", "1"}},
		{"unknown-id", []string{"42"}, 5, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(selectCandidates(servers(), tt.ids, tt.n))
			if len(got) != len(tt.want) {
				t.Fatalf("selectCandidates() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("selectCandidates() = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestFastest(t *testing.T) {
	list := st.Servers{
		{ID: "1", Latency: 30 * time.Millisecond},
		{ID: "2", Latency: 0},
		{ID: "3", Latency: 12 * time.Millisecond},
		{ID: "4", Latency: 25 * time.Millisecond},
	}

	if got := fastest(list); got == nil || got.ID != "3" {
		t.Errorf("expected server 3, got %+v", got)
	}

	if got := fastest(st.Servers{{ID: "x"}}); got != nil {
		t.Errorf("expected no server without latency, got %+v", got)
	}
}

func TestNewRunnerDefaults(t *testing.T) {
	r := NewRunner(Config{})
	def := DefaultConfig()

	if r.cfg.ServerCount != def.ServerCount {
		t.Errorf("expected server count %d, got %d", def.ServerCount, r.cfg.ServerCount)
	}
	if r.cfg.MaxConnections != def.MaxConnections {
		t.Errorf("expected max connections %d, got %d", def.MaxConnections, r.cfg.MaxConnections)
	}
	if r.cfg.PingConcurrency != def.PingConcurrency {
		t.Errorf("expected ping concurrency %d, got %d", def.PingConcurrency, r.cfg.PingConcurrency)
	}
}
