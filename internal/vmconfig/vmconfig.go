// Package vmconfig loads device manifests: the static description of
// which virtio devices a VM carries and the host resources assigned to
// each. Resource allocation itself (address planning, GSI pools) happens
// upstream; manifests record the result.
package vmconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ternvm/tern/internal/devices/virtio"
)

// Manifest is the top-level device manifest for one VM.
type Manifest struct {
	Version int            `yaml:"version"`
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one virtio device attachment.
type DeviceConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	MmioBase uint64 `yaml:"mmioBase"`

	LegacyIrq uint32 `yaml:"legacyIrq"`
	MsiBase   uint32 `yaml:"msiBase,omitempty"`
	MsiCount  uint32 `yaml:"msiCount,omitempty"`

	MemSlots []uint32 `yaml:"memSlots,omitempty"`

	// Transport tuning.
	PerQueueNotify bool `yaml:"perQueueNotify,omitempty"`
	IntrUsed       bool `yaml:"intrUsed,omitempty"`
}

func (m *Manifest) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool, len(m.Devices))
	for i := range m.Devices {
		d := &m.Devices[i]
		if d.Name == "" {
			return fmt.Errorf("device %d: missing name", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("device %q: duplicate name", d.Name)
		}
		seen[d.Name] = true
		if d.MmioBase == 0 {
			return fmt.Errorf("device %q: missing mmioBase", d.Name)
		}
		if d.MsiCount > 0 && d.MsiCount > 0xfff+1 {
			return fmt.Errorf("device %q: msiCount %d exceeds addressable vectors", d.Name, d.MsiCount)
		}
	}
	return nil
}

// Load reads and validates a manifest file.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	m.normalize()
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Resources translates a device entry into the resource set handed to the
// transport: the trapped MMIO window at the configured base, the legacy
// line, the MSI block if any, and the device's memory slot numbers.
func (d *DeviceConfig) Resources() virtio.Resources {
	res := virtio.Resources{
		MmioRanges: []virtio.MmioRange{
			{Base: d.MmioBase, Size: virtio.MMIOWindowSize},
		},
		LegacyIrqs: []uint32{d.LegacyIrq},
		MemSlots:   d.MemSlots,
	}
	if d.MsiCount > 0 {
		res.MsiIrqs = []virtio.MsiIrqRange{{Base: d.MsiBase, Count: d.MsiCount}}
	}
	return res
}

// TransportOptions translates a device entry's tuning knobs into
// transport construction options.
func (d *DeviceConfig) TransportOptions() virtio.Options {
	var features uint32
	if d.PerQueueNotify {
		features |= virtio.FeaturePerQueueNotify
	}
	if d.IntrUsed {
		features |= virtio.FeatureIntrUsed
	}
	return virtio.Options{Features: features}
}
