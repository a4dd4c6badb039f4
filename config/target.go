package config

// TargetConfig is the probe target, either a plain host or a host with
// custom labels:
//
//	target: 8.8.8.8
//	target:
//	  dns.google:
//	    site: home
type TargetConfig struct {
	Addr   string
	Labels map[string]string
}

// UnmarshalYAML implements yaml.Unmarshaler interface.
func (d *TargetConfig) UnmarshalYAML(unmashal func(interface{}) error) error {
	var s string
	if err := unmashal(&s); err == nil {
		d.Addr = s
		return nil
	}

	var x map[string]map[string]string
	if err := unmashal(&x); err != nil {
		return err
	}

	for addr, l := range x {
		d.Addr = addr
		d.Labels = l
	}

	return nil
}

func (t TargetConfig) MarshalYAML() (interface{}, error) {
	if len(t.Labels) == 0 {
		return t.Addr, nil
	}

	return map[string]map[string]string{t.Addr: t.Labels}, nil
}
