package models

import "time"

// DeviceState tracks where a device sits in the reachability state machine.
type DeviceState int

const (
	// StateDiscovered means the device has been seen by discovery or the
	// directory but has not completed a poll yet.
	StateDiscovered DeviceState = iota
	StateReachable
	StateUnreachable
)

func (s DeviceState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateReachable:
		return "reachable"
	case StateUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Candidate is one device sighting produced by discovery or the cloud
// directory. Addr may be empty when the source does not know the LAN
// address (the cloud directory only reports identity and alias).
type Candidate struct {
	DeviceID        string
	Alias           string
	Addr            string // host:port
	Model           string
	HardwareVersion string
}

// DeviceRecord is the orchestrator's bookkeeping for one known device.
// Identity is DeviceID; Addr and Alias are refreshed by discovery without
// changing identity.
type DeviceRecord struct {
	DeviceID            string
	Alias               string
	Addr                string
	Model               string
	HardwareVersion     string
	State               DeviceState
	ConsecutiveFailures int
	LastSuccessAt       time.Time // zero if never polled successfully
	MissedScans         int       // discovery passes without a sighting
}

// Reading is one successful telemetry sample, normalized to base units.
// Immutable once produced.
type Reading struct {
	CurrentAmps  float64
	VoltageVolts float64
	PowerWatts   float64

	// EnergyJoulesTotal is monotonic and may reset on device reboot. Nil
	// when the firmware did not report a total; consumers must not treat
	// that as zero energy.
	EnergyJoulesTotal *float64

	ObservedAt time.Time
}
