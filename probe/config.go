package probe

import (
	"errors"
	"fmt"
	"net"
)

// Mode selects the probe transport.
type Mode string

const (
	// ModeICMP uses raw ICMP sockets (root or CAP_NET_RAW).
	ModeICMP Mode = "icmp"
	// ModeUDP uses unprivileged ICMP datagram sockets (Linux ping_group_range, macOS).
	ModeUDP Mode = "udp"
	// ModeAuto tries ModeICMP first and falls back to ModeUDP.
	ModeAuto Mode = "auto"
)

const maxPayloadSize = 65500

// Config describes how probes are sent.
type Config struct {
	Mode        Mode
	Bind4       string // IPv4 bind address, empty disables IPv4
	Bind6       string // IPv6 bind address, empty disables IPv6
	PayloadSize uint16
}

// DefaultConfig returns an auto-mode config bound to every address family
// available on this host.
func DefaultConfig() Config {
	bind4, bind6 := BindAddresses()
	return Config{
		Mode:        ModeAuto,
		Bind4:       bind4,
		Bind6:       bind6,
		PayloadSize: 56,
	}
}

// Validate checks the config for obvious mistakes.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeICMP, ModeUDP, ModeAuto:
	case "":
		c.Mode = ModeAuto
	default:
		return fmt.Errorf("invalid probe mode %q (valid: icmp, udp, auto)", c.Mode)
	}

	if c.Bind4 == "" && c.Bind6 == "" {
		return errors.New("need at least one bind address")
	}

	if c.PayloadSize > maxPayloadSize {
		return fmt.Errorf("payload size must be between 0 and %d", maxPayloadSize)
	}

	return nil
}

// BindAddresses returns the wildcard addresses of the address families
// usable on this host. An empty string means the family is disabled.
func BindAddresses() (bind4, bind6 string) {
	if ln, err := net.Listen("tcp4", "127.0.0.1:0"); err == nil {
		// ipv4 enabled
		ln.Close()
		bind4 = "0.0.0.0"
	}
	if ln, err := net.Listen("tcp6", "[::1]:0"); err == nil {
		// ipv6 enabled
		ln.Close()
		bind6 = "::"
	}
	return
}
