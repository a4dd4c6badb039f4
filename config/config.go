package config

import (
	"io"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config represents configuration for the exporter
type Config struct {
	Target TargetConfig `yaml:"target"`

	Ping struct {
		Interval duration `yaml:"interval"`
		Timeout  duration `yaml:"timeout"`
		Window   duration `yaml:"window"`
		Mode     string   `yaml:"mode"`
		Size     uint16   `yaml:"payload-size"`
	} `yaml:"ping"`

	SpeedTest struct {
		SkipStartup bool     `yaml:"skip-startup"`
		Schedule    string   `yaml:"schedule"`
		ServerCount int      `yaml:"server-count"`
		ServerIDs   []string `yaml:"server-ids"`
		Timeout     duration `yaml:"timeout"`
	} `yaml:"speedtest"`

	DNS struct {
		Refresh    duration `yaml:"refresh"`
		Nameserver string   `yaml:"nameserver"`
		Resolvers  []string `yaml:"resolvers"`
		Tailnet    string   `yaml:"tailnet"`
	} `yaml:"dns"`

	DNSLeak struct {
		Schedule string        `yaml:"schedule"`
		Rounds   int           `yaml:"rounds"`
		Timeout  duration      `yaml:"timeout"`
		Probes   []ProbeConfig `yaml:"probes"`
	} `yaml:"dnsleak"`
}

// ProbeConfig is a name looked up by the DNS leak check. Type is A or TXT.
type ProbeConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler interface.
func (d *duration) UnmarshalYAML(unmashal func(interface{}) error) error {
	var s string
	if err := unmashal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(dur)
	return nil
}

// Duration is a convenience getter.
func (d duration) Duration() time.Duration {
	return time.Duration(d)
}

// Set updates the underlying duration.
func (d *duration) Set(dur time.Duration) {
	*d = duration(dur)
}

// FromYAML reads YAML from reader and unmarshals it to Config
func FromYAML(r io.Reader) (*Config, error) {
	c := &Config{}
	err := yaml.NewDecoder(r).Decode(c)
	if err != nil {
		return nil, err
	}
	return c, nil
}
