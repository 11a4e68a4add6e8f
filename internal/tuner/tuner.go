// Package tuner models the capture device inventory and the
// per-device lease files that serialize access to it across processes.
package tuner

import (
	"strings"

	"tunerd/internal/config"
	"tunerd/internal/epg"
)

// Tuner is one capture device. N is the ordinal in the configured
// inventory and keys the device's lease file.
type Tuner struct {
	N       int
	Name    string
	Types   []epg.ChannelType
	Command string
}

// Inventory is the configured device list, in configuration order.
// Read-only for the life of the process.
type Inventory []*Tuner

// FromConfig builds the inventory from validated configuration.
func FromConfig(tuners []config.TunerConfig) Inventory {
	inv := make(Inventory, 0, len(tuners))
	for i, tc := range tuners {
		types := make([]epg.ChannelType, 0, len(tc.Types))
		for _, ty := range tc.Types {
			types = append(types, epg.ChannelType(ty))
		}
		inv = append(inv, &Tuner{
			N:       i,
			Name:    tc.Name,
			Types:   types,
			Command: tc.Command,
		})
	}
	return inv
}

// Supports reports whether the device can receive the channel type.
func (t *Tuner) Supports(typ epg.ChannelType) bool {
	for _, ty := range t.Types {
		if ty == typ {
			return true
		}
	}
	return false
}

// ResolveCommand substitutes the tuning placeholders into the device
// command template.
func (t *Tuner) ResolveCommand(channel, sid string) string {
	cmd := strings.ReplaceAll(t.Command, "<channel>", channel)
	return strings.ReplaceAll(cmd, "<sid>", sid)
}

// CapacityByType counts devices per channel type. The conflict
// resolver uses it as the simultaneous-recording budget.
func (inv Inventory) CapacityByType() map[epg.ChannelType]int {
	capacity := make(map[epg.ChannelType]int)
	for _, t := range inv {
		for _, ty := range t.Types {
			capacity[ty]++
		}
	}
	return capacity
}
