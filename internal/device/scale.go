package device

import (
	"time"

	"github.com/edgewatt/plugmon/internal/models"
	"github.com/edgewatt/plugmon/internal/protocol"
)

// Emeter reporting conventions. v1 firmware reports floats in base units
// with energy in kWh; v2 reports integers in milli-units with energy in
// Wh. Resolution is table-driven so new hardware generations only need a
// table entry, never codec changes.
type convention int

const (
	conventionAuto convention = iota
	conventionV1
	conventionV2
)

// conventionByHardware maps the sysinfo hw_ver prefix to a reporting
// convention. Versions not listed fall back to field-presence detection.
var conventionByHardware = map[string]convention{
	"1.0": conventionV1,
	"2.0": conventionV2,
	"2.1": conventionV2,
	"4.0": conventionV2,
	"4.1": conventionV2,
}

const (
	joulesPerKWh     = 3600.0 * 1000.0
	joulesPerWh      = 3600.0
	milliPerBaseUnit = 1000.0
)

// ConventionFor resolves the reporting convention for a hardware version.
func ConventionFor(hardwareVersion string) convention {
	if c, ok := conventionByHardware[hardwareVersion]; ok {
		return c
	}

	return conventionAuto
}

// scaleReading maps a realtime sample onto base units under the given
// convention. Returns false when the required fields are absent.
func scaleReading(rt *protocol.Realtime, conv convention, at time.Time) (models.Reading, bool) {
	switch conv {
	case conventionV1:
		return scaleV1(rt, at)
	case conventionV2:
		return scaleV2(rt, at)
	default:
		if r, ok := scaleV1(rt, at); ok {
			return r, true
		}
		return scaleV2(rt, at)
	}
}

func scaleV1(rt *protocol.Realtime, at time.Time) (models.Reading, bool) {
	if rt.Current == nil || rt.Voltage == nil || rt.Power == nil {
		return models.Reading{}, false
	}

	r := models.Reading{
		CurrentAmps:  *rt.Current,
		VoltageVolts: *rt.Voltage,
		PowerWatts:   *rt.Power,
		ObservedAt:   at,
	}
	if rt.Total != nil {
		joules := *rt.Total * joulesPerKWh
		r.EnergyJoulesTotal = &joules
	}

	return r, true
}

func scaleV2(rt *protocol.Realtime, at time.Time) (models.Reading, bool) {
	if rt.CurrentMilliAmps == nil || rt.VoltageMilliVolt == nil || rt.PowerMilliWatt == nil {
		return models.Reading{}, false
	}

	r := models.Reading{
		CurrentAmps:  float64(*rt.CurrentMilliAmps) / milliPerBaseUnit,
		VoltageVolts: float64(*rt.VoltageMilliVolt) / milliPerBaseUnit,
		PowerWatts:   float64(*rt.PowerMilliWatt) / milliPerBaseUnit,
		ObservedAt:   at,
	}
	if rt.TotalWattHours != nil {
		joules := float64(*rt.TotalWattHours) * joulesPerWh
		r.EnergyJoulesTotal = &joules
	}

	return r, true
}
