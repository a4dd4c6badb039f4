package monitor

// State of the engine.
type State int

const (
	// Stopped is the state before Start and after Stop.
	Stopped State = iota
	Probing
	PausedSpeedTest
	PausedDNSCheck
)

func (s State) String() string {
	switch s {
	case Probing:
		return "probing"
	case PausedSpeedTest:
		return "paused-speedtest"
	case PausedDNSCheck:
		return "paused-dnscheck"
	default:
		return "stopped"
	}
}

// Paused reports whether probing is suspended for a one-shot operation.
func (s State) Paused() bool {
	return s == PausedSpeedTest || s == PausedDNSCheck
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
