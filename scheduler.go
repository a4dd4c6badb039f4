package main

import (
	"errors"
	"fmt"

	"github.com/czerwonk/uplink_exporter/monitor"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// newScheduler registers the periodic speed test and DNS leak check. An
// empty schedule disables the job. The returned cron is not started.
func newScheduler(engine commander, speedTestSpec, dnsLeakSpec string) (*cron.Cron, error) {
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cron.PrintfLogger(log.StandardLogger())),
	)

	if err := addJob(c, "speed test", speedTestSpec, engine.StartSpeedTestNow); err != nil {
		return nil, err
	}
	if err := addJob(c, "dns leak check", dnsLeakSpec, engine.CheckDNSLeakNow); err != nil {
		return nil, err
	}

	return c, nil
}

func addJob(c *cron.Cron, name, spec string, fn func() error) error {
	if spec == "" {
		return nil
	}

	_, err := c.AddFunc(spec, func() {
		runScheduled(name, fn)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}

	log.Infof("scheduled %s (%s)", name, spec)
	return nil
}

// runScheduled starts a job. A job due while another operation is running
// is skipped, not queued.
func runScheduled(name string, fn func() error) {
	err := fn()
	switch {
	case err == nil:
		log.Debugf("scheduled %s started", name)
	case errors.Is(err, monitor.ErrBusy):
		log.Infof("skipping scheduled %s: %v", name, err)
	default:
		log.Warnf("could not start scheduled %s: %v", name, err)
	}
}
