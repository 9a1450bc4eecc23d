package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/metalboot/stage2/internal/machine"
)

// Scenario describes the machine the loader is booted on, including the
// faults its firmware injects. Everything is optional; the zero scenario
// is a healthy machine.
type Scenario struct {
	Memory string `yaml:"memory"`

	Disk struct {
		NoExtendedRead     bool    `yaml:"no_extended_read"`
		ExtendedReadFaults []uint8 `yaml:"extended_read_faults"`
		LegacyReadFault    uint8   `yaml:"legacy_read_fault"`
	} `yaml:"disk"`

	Firmware struct {
		NoE820   bool `yaml:"no_e820"`
		NoE801   bool `yaml:"no_e801"`
		NoLegacy bool `yaml:"no_legacy"`
	} `yaml:"firmware"`

	CPU struct {
		NoLongMode bool `yaml:"no_long_mode"`
	} `yaml:"cpu"`

	Serial struct {
		Wedged bool `yaml:"wedged"`
	} `yaml:"serial"`
}

// LoadScenario reads and parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return &s, nil
}

// Options converts the scenario into machine options.
func (s *Scenario) Options() ([]machine.Option, error) {
	var opts []machine.Option
	if s.Memory != "" {
		size, err := humanize.ParseBytes(s.Memory)
		if err != nil {
			return nil, fmt.Errorf("scenario memory %q: %w", s.Memory, err)
		}
		opts = append(opts, machine.WithRAMSize(size))
	}
	if s.Disk.NoExtendedRead {
		opts = append(opts, machine.WithoutExtendedRead())
	}
	if len(s.Disk.ExtendedReadFaults) > 0 {
		opts = append(opts, machine.WithExtendedReadFaults(s.Disk.ExtendedReadFaults...))
	}
	if s.Disk.LegacyReadFault != 0 {
		opts = append(opts, machine.WithLegacyReadFault(s.Disk.LegacyReadFault))
	}
	if s.Firmware.NoE820 {
		opts = append(opts, machine.WithoutE820())
	}
	if s.Firmware.NoE801 {
		opts = append(opts, machine.WithoutE801())
	}
	if s.Firmware.NoLegacy {
		opts = append(opts, machine.WithoutLegacyMemory())
	}
	if s.CPU.NoLongMode {
		opts = append(opts, machine.WithoutLongMode())
	}
	if s.Serial.Wedged {
		opts = append(opts, machine.WithWedgedSerial())
	}
	return opts, nil
}
