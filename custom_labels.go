package main

import (
	"sort"

	"github.com/czerwonk/uplink_exporter/config"
)

// customLabelSet holds the user defined labels of the target, sorted by
// name so the label order is stable between scrapes.
type customLabelSet struct {
	names  []string
	values []string
}

func newCustomLabelSet(t config.TargetConfig) *customLabelSet {
	cl := &customLabelSet{
		names:  make([]string, 0, len(t.Labels)),
		values: make([]string, 0, len(t.Labels)),
	}

	for name := range t.Labels {
		if isReservedLabel(name) {
			continue
		}
		cl.names = append(cl.names, name)
	}
	sort.Strings(cl.names)

	for _, name := range cl.names {
		cl.values = append(cl.values, t.Labels[name])
	}

	return cl
}

func isReservedLabel(name string) bool {
	for _, l := range labelNames {
		if l == name {
			return true
		}
	}

	return name == "type"
}

func (cl *customLabelSet) labelNames() []string {
	return cl.names
}

func (cl *customLabelSet) labelValues() []string {
	return cl.values
}
