package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Farm describes the optional static device inventory. When present it
// restricts attachable devices to the listed set and carries per-device
// overrides.
type Farm struct {
	Devices []FarmDevice `yaml:"devices"`
}

// FarmDevice is one inventory entry.
type FarmDevice struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"` // "android" or "ios", empty = probe
	Capture  string `yaml:"capture"`  // "still" or "stream", empty = server default
}

// LoadFarm parses a YAML farm inventory file.
func LoadFarm(path string) (*Farm, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read farm file: %w", err)
	}

	var farm Farm
	if err := yaml.Unmarshal(data, &farm); err != nil {
		return nil, fmt.Errorf("failed to parse farm file: %w", err)
	}

	for i, d := range farm.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("farm device %d: missing id", i)
		}
		switch d.Capture {
		case "", StrategyStill, StrategyStream:
		default:
			return nil, fmt.Errorf("farm device %s: unknown capture strategy %q", d.ID, d.Capture)
		}
	}

	return &farm, nil
}

// Lookup returns the inventory entry for a device, if any.
func (f *Farm) Lookup(deviceID string) (FarmDevice, bool) {
	if f == nil {
		return FarmDevice{}, false
	}
	for _, d := range f.Devices {
		if d.ID == deviceID {
			return d, true
		}
	}
	return FarmDevice{}, false
}

// Allows reports whether a device may be attached. An empty inventory
// allows everything.
func (f *Farm) Allows(deviceID string) bool {
	if f == nil || len(f.Devices) == 0 {
		return true
	}
	_, ok := f.Lookup(deviceID)
	return ok
}
