package protocol

// Vendor JSON envelope shared by UDP discovery and TCP telemetry queries.
// A query names the subsystems it wants; the reply nests the results under
// the same keys.

// Query is the request envelope. The zero value of each member marshals to
// an empty object, which the firmware treats as "report everything".
type Query struct {
	System SystemQuery `json:"system"`
	EMeter EMeterQuery `json:"emeter"`
}

type SystemQuery struct {
	GetSysinfo struct{} `json:"get_sysinfo"`
}

type EMeterQuery struct {
	GetRealtime struct{} `json:"get_realtime"`
}

// TelemetryQuery returns the fixed sysinfo+realtime request used for both
// discovery broadcasts and per-device polls.
func TelemetryQuery() Query {
	return Query{}
}

// Reply is the response envelope.
type Reply struct {
	System *SystemReply `json:"system"`
	EMeter *EMeterReply `json:"emeter"`
}

type SystemReply struct {
	GetSysinfo *Sysinfo `json:"get_sysinfo"`
}

type EMeterReply struct {
	GetRealtime *Realtime `json:"get_realtime"`
}

// Sysinfo carries device identity. Only the fields the poller needs are
// mapped; the firmware sends many more.
type Sysinfo struct {
	Alias           string `json:"alias"`
	DeviceID        string `json:"deviceId"`
	Model           string `json:"model"`
	HardwareVersion string `json:"hw_ver"`
}

// Realtime carries one emeter sample. First-generation hardware reports
// floats in base units (energy in kWh); later hardware reports integers in
// milli-units (energy in Wh). Pointers distinguish absent from zero.
type Realtime struct {
	ErrCode *int `json:"err_code"`

	Current *float64 `json:"current"`
	Voltage *float64 `json:"voltage"`
	Power   *float64 `json:"power"`
	Total   *float64 `json:"total"`

	CurrentMilliAmps *uint64 `json:"current_ma"`
	VoltageMilliVolt *uint64 `json:"voltage_mv"`
	PowerMilliWatt   *uint64 `json:"power_mw"`
	TotalWattHours   *uint64 `json:"total_wh"`
}
