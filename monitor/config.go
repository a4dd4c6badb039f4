package monitor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/czerwonk/uplink_exporter/dnsleak"
)

// Config of an Engine.
type Config struct {
	// Target is the host name or address probed for latency.
	Target string

	Interval time.Duration
	Timeout  time.Duration
	Window   time.Duration

	// TargetRefresh is the interval the target is resolved again (0 if disabled).
	TargetRefresh time.Duration

	// ShutdownGrace bounds how long Stop waits for a running speed test or
	// DNS check before cancelling it.
	ShutdownGrace time.Duration

	// Resolvers expected to serve DNS queries. Empty means the system resolvers.
	Resolvers []string

	SkipStartupSpeedTest bool

	// Resolver resolves the target. Defaults to the system resolver.
	Resolver Resolver
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Second,
		Timeout:       time.Second,
		Window:        5 * time.Minute,
		TargetRefresh: time.Minute,
		ShutdownGrace: 10 * time.Second,
	}
}

// Validate checks the configuration and fills defaults for unset optional values.
func (c *Config) Validate() error {
	c.Target = strings.TrimSpace(c.Target)
	if c.Target == "" {
		return errors.New("target must not be empty")
	}
	if strings.ContainsAny(c.Target, " /") {
		return fmt.Errorf("invalid target %q", c.Target)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Window < c.Interval {
		return fmt.Errorf("window %s must not be shorter than the interval %s", c.Window, c.Interval)
	}
	if c.TargetRefresh < 0 {
		return fmt.Errorf("target refresh must not be negative, got %s", c.TargetRefresh)
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	if _, err := dnsleak.ParseResolvers(c.Resolvers); err != nil {
		return err
	}
	if c.Resolver == nil {
		c.Resolver = NewResolver("")
	}

	return nil
}
