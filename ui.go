package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/czerwonk/uplink_exporter/monitor"
	"github.com/czerwonk/uplink_exporter/stats"
	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const sparklineWidth = 60

type dashboard struct {
	app    *tview.Application
	status *tview.TextView
	footer *tview.TextView
	engine commander
}

func newDashboard(engine commander) *dashboard {
	d := &dashboard{
		app:    tview.NewApplication(),
		status: tview.NewTextView().SetDynamicColors(true),
		footer: tview.NewTextView().SetDynamicColors(true),
		engine: engine,
	}

	d.status.SetBorder(true).SetTitle(" uplink monitor ([s] speed test, [d] dns check, [q] quit) ")

	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlC:
			d.app.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q', 'Q':
				d.app.Stop()
				return nil
			case 's', 'S':
				d.command("speed test", d.engine.StartSpeedTestNow)
				return nil
			case 'd', 'D':
				d.command("dns leak check", d.engine.CheckDNSLeakNow)
				return nil
			}
		}
		return event
	})

	return d
}

func (d *dashboard) command(name string, fn func() error) {
	err := fn()
	switch {
	case err == nil:
		d.footer.SetText(fmt.Sprintf("[green]%s started", name))
	case errors.Is(err, monitor.ErrBusy):
		d.footer.SetText(fmt.Sprintf("[yellow]%s rejected: %v", name, err))
	default:
		d.footer.SetText(fmt.Sprintf("[red]%s failed: %v", name, err))
	}
}

// run shows the dashboard until the user quits, ctx is done or updates is
// closed.
func (d *dashboard) run(ctx context.Context, updates <-chan *monitor.Snapshot) error {
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.status, 0, 1, false).
		AddItem(d.footer, 1, 0, false)

	go func() {
		for {
			select {
			case <-ctx.Done():
				d.app.Stop()
				return
			case s, ok := <-updates:
				if !ok {
					d.app.Stop()
					return
				}
				d.app.QueueUpdateDraw(func() {
					d.status.SetText(renderSnapshot(s, time.Now()))
				})
			}
		}
	}()

	return d.app.SetRoot(layout, true).Run()
}

func renderSnapshot(s *monitor.Snapshot, now time.Time) string {
	b := &strings.Builder{}

	state := "[green]" + s.State.String()
	if s.Paused() {
		state = "[yellow]" + s.State.String()
	} else if s.State == monitor.Stopped {
		state = "[red]" + s.State.String()
	}

	addr := "unresolved"
	if s.Address != nil {
		addr = s.Address.String()
	}
	fmt.Fprintf(b, "target:   %s (%s)\n", s.Target, addr)
	fmt.Fprintf(b, "state:    %s[-]\n\n", state)

	fmt.Fprintf(b, "[::b]latency (last %s)[::-]\n", s.Window)
	m := s.Metrics
	switch {
	case m == nil:
		b.WriteString("  no data\n")
	default:
		fmt.Fprintf(b, "  sent %d, lost %d (%.1f%%)\n", m.PacketsSent, m.PacketsLost, 100*m.LossRatio())
		if m.HasLatency() {
			fmt.Fprintf(b, "  best %s  worst %s  mean %s  median %s  stddev %s\n",
				ts(m.Best), ts(m.Worst), ts(m.Mean), ts(m.Median), ts(m.StdDev))
		} else {
			b.WriteString("  no replies\n")
		}
		fmt.Fprintf(b, "  %s\n", sparkline(s.Samples, sparklineWidth))
	}

	b.WriteString("\n[::b]speed test[::-]\n")
	st := s.SpeedTest
	if st.Running {
		fmt.Fprintf(b, "  [yellow]running since %s%s[-]\n", humanize.RelTime(st.Started, now, "ago", "from now"), speedProgress(st.Progress))
	}
	if r := st.Result; r != nil {
		fmt.Fprintf(b, "  down %s  up %s  ping %s\n",
			humanize.SIWithDigits(r.DownloadMbps*1e6, 1, "bit/s"),
			humanize.SIWithDigits(r.UploadMbps*1e6, 1, "bit/s"),
			ts(r.Ping()))
		fmt.Fprintf(b, "  %s (%s), %s\n", r.ServerName, r.ServerCountry, humanize.RelTime(r.Timestamp, now, "ago", "from now"))
	} else if !st.Running && st.Err == nil {
		b.WriteString("  not run yet\n")
	}
	if st.Err != nil {
		fmt.Fprintf(b, "  [red]last run failed: %v[-]\n", st.Err)
	}

	b.WriteString("\n[::b]dns leak check[::-]\n")
	dl := s.DNSLeak
	if dl.Running {
		fmt.Fprintf(b, "  [yellow]running since %s%s[-]\n", humanize.RelTime(dl.Started, now, "ago", "from now"), lookupProgress(dl.Progress))
	}
	if r := dl.Result; r != nil {
		if r.Leak {
			fmt.Fprintf(b, "  [red]LEAK: %s[-]\n", strings.Join(r.Leaked, ", "))
		} else {
			b.WriteString("  [green]no leak[-]\n")
		}
		fmt.Fprintf(b, "  resolvers seen: %s\n", strings.Join(r.Detected, ", "))
		fmt.Fprintf(b, "  %d/%d lookups answered, %s\n", r.Succeeded, r.Lookups, humanize.RelTime(r.Timestamp, now, "ago", "from now"))
	} else if !dl.Running && dl.Err == nil {
		b.WriteString("  not run yet\n")
	}
	if dl.Err != nil {
		fmt.Fprintf(b, "  [red]last run failed: %v[-]\n", dl.Err)
	}

	return b.String()
}

func speedProgress(p *monitor.Progress) string {
	if p == nil {
		return ""
	}
	if p.Mbps <= 0 {
		return ", " + p.Phase
	}
	return fmt.Sprintf(", %s %s", p.Phase, humanize.SIWithDigits(p.Mbps*1e6, 1, "bit/s"))
}

func lookupProgress(p *monitor.Progress) string {
	if p == nil || p.Total == 0 {
		return ""
	}
	return fmt.Sprintf(", %d/%d lookups (%d%%)", p.Done, p.Total, 100*p.Done/p.Total)
}

var sparks = []rune("▁▂▃▄▅▆▇█")

// sparkline draws the latest width samples scaled to the slowest reply.
// Lost samples are drawn as x.
func sparkline(samples []stats.Sample, width int) string {
	if len(samples) > width {
		samples = samples[len(samples)-width:]
	}

	var worst time.Duration
	for _, s := range samples {
		if rtt, ok := s.Latency(); ok && rtt > worst {
			worst = rtt
		}
	}

	b := &strings.Builder{}
	for _, s := range samples {
		rtt, ok := s.Latency()
		if !ok {
			b.WriteRune('x')
			continue
		}

		i := 0
		if worst > 0 {
			i = int(int64(rtt) * int64(len(sparks)-1) / int64(worst))
		}
		b.WriteRune(sparks[i])
	}

	return b.String()
}

const tsDividend = float64(time.Millisecond) / float64(time.Nanosecond)

func ts(dur time.Duration) string {
	if 10*time.Microsecond < dur && dur < time.Second {
		return fmt.Sprintf("%0.2fms", float64(dur.Nanoseconds())/tsDividend)
	}
	return dur.String()
}
