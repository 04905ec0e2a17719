// Package bootcfg loads the boot-time configuration manifest: the
// firmware memory map, the device table, the mount table, and the
// initial scheduler policy. Real hardware discovers most of this at
// boot (E820/EFI tags, PCI enumeration); the manifest exists so the
// same kernel code path can be driven from a test fixture or a
// non-BIOS bring-up path without re-deriving discovery logic.
package bootcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// ManifestFilename is the conventional name of a boot manifest
	// placed alongside a kernel image, a prebaked boot bundle.
	ManifestFilename = "jsos-boot.yaml"
	SchemaVersion    = 1
)

// MemoryRange describes one E820/EFI-style memory-map entry.
type MemoryRange struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	// Kind is "conventional" for usable RAM, anything else is treated
	// as reserved and never handed to the frame allocator.
	Kind string `yaml:"kind"`
}

// Manifest is the full boot-time configuration.
type Manifest struct {
	Version int `yaml:"version"`

	MemoryMap []MemoryRange `yaml:"memoryMap"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Mounts    []MountConfig   `yaml:"mounts"`
	CmdLine   string          `yaml:"cmdline,omitempty"`
}

type SchedulerConfig struct {
	Algorithm string `yaml:"algorithm"` // "round-robin" | "priority" | "realtime"
	SliceTick uint32 `yaml:"sliceTicks"`
}

type MountConfig struct {
	Path     string `yaml:"path"`
	Provider string `yaml:"provider"` // "root" | "proc" | "dev" | "tmpfs" | "disk"
	Source   string `yaml:"source,omitempty"`
}

func (m *Manifest) normalize() {
	if m.Version == 0 {
		m.Version = SchemaVersion
	}
	if m.Scheduler.Algorithm == "" {
		m.Scheduler.Algorithm = "round-robin"
	}
	if m.Scheduler.SliceTick == 0 {
		m.Scheduler.SliceTick = 5
	}
}

// Load reads and validates a boot manifest from path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootcfg: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a boot manifest from raw YAML bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bootcfg: parse: %w", err)
	}
	m.normalize()
	if len(m.MemoryMap) == 0 {
		return nil, fmt.Errorf("bootcfg: manifest has no memory map entries")
	}
	return &m, nil
}

// Default returns a minimal fixture manifest: a single
// 0x100000-0x8000000 conventional range.
func Default() *Manifest {
	m := &Manifest{
		MemoryMap: []MemoryRange{
			{Base: 0x100000, Length: 0x8000000 - 0x100000, Kind: "conventional"},
		},
		Scheduler: SchedulerConfig{Algorithm: "round-robin", SliceTick: 5},
		Mounts: []MountConfig{
			{Path: "/", Provider: "root"},
			{Path: "/proc", Provider: "proc"},
			{Path: "/dev", Provider: "dev"},
			{Path: "/tmp", Provider: "tmpfs"},
		},
	}
	m.normalize()
	return m
}
