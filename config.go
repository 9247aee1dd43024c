// config.go - the configuration contract the core requires from its
// host. Parsing config files, command-line UX, and ROM discovery are
// all out of scope; the core only needs the
// resolved identifiers below.

package main

// StorageDeviceConfig names one storage device a collaborator should
// attach; the core treats the identifiers as opaque.
type StorageDeviceConfig struct {
	Kind string // "hdd", "fdd", "cdrom" ...
	ID   string
}

// MachineConfig is the resolved set of opaque identifiers the core
// needs to exist; device construction from these identifiers is a
// collaborator's responsibility.
type MachineConfig struct {
	CPUModel      string
	MachineID     string
	RAMSizeBytes  uint32
	VideoCardID   string
	SoundCardID   string
	StorageDevs   []StorageDeviceConfig
	NICID         string
}

// ConfigProvider supplies a MachineConfig. Exactly one concrete
// implementation ships with the core (StaticConfig); anything that
// reads a file, a flag set, or a UI dialog is a collaborator.
type ConfigProvider interface {
	MachineConfig() MachineConfig
}

// StaticConfig is an in-memory ConfigProvider, primarily for tests and
// for embedding callers that already have a resolved configuration.
type StaticConfig struct {
	Config MachineConfig
}

func (s StaticConfig) MachineConfig() MachineConfig {
	return s.Config
}

// DefaultMachineConfig mirrors a stock 5150-class machine: enough to
// boot the orchestrator's reset ladder with no collaborator present.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		CPUModel:     "8088",
		MachineID:    "ibmpc",
		RAMSizeBytes: 640 * 1024,
	}
}
