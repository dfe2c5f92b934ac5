package packet

import (
	"fmt"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

// Маски значимых битов; остальные биты зарезервированы и в сравнении не участвуют.
const (
	continuousMask    uint64 = 0x77   // биты 0-2 поддержка, 4-6 состояние
	nonContinuousMask uint64 = 0x1FFF // 13 мониторов в двух байтах
)

// Значения SPN 1220 (OBD Compliance), означающие отсутствие OBD.
const (
	ComplianceNotOBD uint64 = 5
)

// Monitor - бит монитора в полях готовности DM5/DM26.
type Monitor struct {
	Name       string
	Continuous bool
	Bit        uint
}

// Мониторы J1939-73 в порядке битов.
var Monitors = []Monitor{
	{Name: "Misfire", Continuous: true, Bit: 0},
	{Name: "Fuel System", Continuous: true, Bit: 1},
	{Name: "Comprehensive Component", Continuous: true, Bit: 2},
	{Name: "Catalyst", Bit: 0},
	{Name: "Heated Catalyst", Bit: 1},
	{Name: "Evaporative System", Bit: 2},
	{Name: "Secondary Air System", Bit: 3},
	{Name: "A/C System Refrigerant", Bit: 4},
	{Name: "Exhaust Gas Sensor", Bit: 5},
	{Name: "Exhaust Gas Sensor Heater", Bit: 6},
	{Name: "EGR/VVT System", Bit: 7},
	{Name: "Cold Start Aid System", Bit: 8},
	{Name: "Boost Pressure Control System", Bit: 9},
	{Name: "Diesel Particulate Filter", Bit: 10},
	{Name: "NOx Converting Catalyst/Adsorber", Bit: 11},
	{Name: "NMHC Converting Catalyst", Bit: 12},
}

// MonitorStatus - состояние одного монитора.
type MonitorStatus struct {
	Monitor
	Supported bool
	// Complete для DM5/DM26 - монитор завершен; для DM26 Enabled - разрешен в текущем цикле.
	Complete bool
	Enabled  bool
}

// DM5 - Diagnostic Readiness 1.
type DM5 struct {
	base
	ActiveCount             Value // SPN 1218
	PreviouslyActiveCount   Value // SPN 1219
	OBDCompliance           Value // SPN 1220
	Continuous              Value // SPN 1221
	NonContinuousSupported  Value // SPN 1222
	NonContinuousIncomplete Value // SPN 1223
}

func decodeDM5(f j1939.Frame) (Packet, error) {
	d := f.Data
	if len(d) != 8 {
		return nil, malformed(f, "длина %d байт, ожидается 8", len(d))
	}
	return &DM5{
		base:                    base{frame: f, name: "DM5"},
		ActiveCount:             Uint8At(d, 0),
		PreviouslyActiveCount:   Uint8At(d, 1),
		OBDCompliance:           Uint8At(d, 2),
		Continuous:              Masked(uint64(d[3]), 8, continuousMask),
		NonContinuousSupported:  Masked(uint64(d[4])|uint64(d[5])<<8, 16, nonContinuousMask),
		NonContinuousIncomplete: Masked(uint64(d[6])|uint64(d[7])<<8, 16, nonContinuousMask),
	}, nil
}

func (p *DM5) Fields() []Field {
	return []Field{
		{Name: "Active DTC Count", SPN: 1218, Value: p.ActiveCount},
		{Name: "Previously Active DTC Count", SPN: 1219, Value: p.PreviouslyActiveCount},
		{Name: "OBD Compliance", SPN: 1220, Value: p.OBDCompliance},
		{Name: "Continuously Monitored Systems Support/Status", SPN: 1221, Value: p.Continuous},
		{Name: "Non-continuously Monitored Systems Support", SPN: 1222, Value: p.NonContinuousSupported},
		{Name: "Non-continuously Monitored Systems Status", SPN: 1223, Value: p.NonContinuousIncomplete},
	}
}

// IsOBD сообщает, заявляет ли модуль поддержку OBD (SPN 1220).
func (p *DM5) IsOBD() bool {
	return p.OBDCompliance.IsValid() && p.OBDCompliance.Raw != ComplianceNotOBD
}

// MonitorStatuses раскладывает биты готовности по мониторам.
// Для DM5 бит состояния 0 означает "завершен".
func (p *DM5) MonitorStatuses() []MonitorStatus {
	return monitorStatuses(p.Continuous, p.NonContinuousSupported, p.NonContinuousIncomplete, Value{State: NotAvailable})
}

func monitorStatuses(cont, ncSupported, ncComplete, ncEnabled Value) []MonitorStatus {
	out := make([]MonitorStatus, 0, len(Monitors))
	for _, m := range Monitors {
		st := MonitorStatus{Monitor: m}
		if m.Continuous {
			if cont.IsValid() {
				st.Supported = cont.Raw&(1<<m.Bit) != 0
				st.Complete = cont.Raw&(1<<(m.Bit+4)) == 0
			}
		} else {
			if ncSupported.IsValid() {
				st.Supported = ncSupported.Raw&(1<<m.Bit) != 0
				st.Enabled = st.Supported
			}
			if ncComplete.IsValid() {
				st.Complete = ncComplete.Raw&(1<<m.Bit) == 0
			}
		}
		if ncEnabled.IsValid() && !m.Continuous {
			st.Enabled = ncEnabled.Raw&(1<<m.Bit) != 0
		}
		out = append(out, st)
	}
	return out
}

func (p *DM5) String() string {
	return formatFields(p.header(), p.Fields())
}

// DM21 - Diagnostic Readiness 2.
type DM21 struct {
	base
	DistanceWithMIL      Value // SPN 3069, км
	DistanceSinceCleared Value // SPN 3294, км
	MinutesWithMIL       Value // SPN 3295, мин
	MinutesSinceCleared  Value // SPN 3296, мин
}

func decodeDM21(f j1939.Frame) (Packet, error) {
	d := f.Data
	if len(d) != 8 {
		return nil, malformed(f, "длина %d байт, ожидается 8", len(d))
	}
	return &DM21{
		base:                 base{frame: f, name: "DM21"},
		DistanceWithMIL:      Uint16At(d, 0),
		DistanceSinceCleared: Uint16At(d, 2),
		MinutesWithMIL:       Uint16At(d, 4),
		MinutesSinceCleared:  Uint16At(d, 6),
	}, nil
}

func (p *DM21) Fields() []Field {
	return []Field{
		{Name: "Distance Traveled While MIL is Activated", SPN: 3069, Value: p.DistanceWithMIL},
		{Name: "Distance Since DTCs Cleared", SPN: 3294, Value: p.DistanceSinceCleared},
		{Name: "Minutes Run by Engine While MIL is Activated", SPN: 3295, Value: p.MinutesWithMIL},
		{Name: "Time Since DTCs Cleared", SPN: 3296, Value: p.MinutesSinceCleared},
	}
}

func (p *DM21) String() string {
	return formatFields(p.header(), p.Fields())
}

// DM26 - Diagnostic Readiness 3.
type DM26 struct {
	base
	TimeSinceEngineStart    Value // SPN 3301, с
	WarmUpsSinceCleared     Value // SPN 3302
	Continuous              Value // SPN 3303
	NonContinuousEnabled    Value // SPN 3304
	NonContinuousIncomplete Value // SPN 3305
}

func decodeDM26(f j1939.Frame) (Packet, error) {
	d := f.Data
	if len(d) != 8 {
		return nil, malformed(f, "длина %d байт, ожидается 8", len(d))
	}
	return &DM26{
		base:                    base{frame: f, name: "DM26"},
		TimeSinceEngineStart:    Uint16At(d, 0),
		WarmUpsSinceCleared:     Uint8At(d, 2),
		Continuous:              Masked(uint64(d[3]), 8, continuousMask),
		NonContinuousEnabled:    Masked(uint64(d[4])|uint64(d[5])<<8, 16, nonContinuousMask),
		NonContinuousIncomplete: Masked(uint64(d[6])|uint64(d[7])<<8, 16, nonContinuousMask),
	}, nil
}

func (p *DM26) Fields() []Field {
	return []Field{
		{Name: "Time Since Engine Start", SPN: 3301, Value: p.TimeSinceEngineStart},
		{Name: "Number of Warm-ups Since DTCs Cleared", SPN: 3302, Value: p.WarmUpsSinceCleared},
		{Name: "Continuously Monitored Systems Enable/Completed Status", SPN: 3303, Value: p.Continuous},
		{Name: "Non-continuously Monitored Systems Enable Status", SPN: 3304, Value: p.NonContinuousEnabled},
		{Name: "Non-continuously Monitored Systems Complete Status", SPN: 3305, Value: p.NonContinuousIncomplete},
	}
}

// MonitorStatuses для DM26: биты 0-2 байта 4 - "разрешен", 4-6 - "завершен".
func (p *DM26) MonitorStatuses() []MonitorStatus {
	out := monitorStatuses(p.Continuous, p.NonContinuousEnabled, p.NonContinuousIncomplete, p.NonContinuousEnabled)
	for i := range out {
		if out[i].Continuous {
			out[i].Enabled = out[i].Supported
		}
	}
	return out
}

func (p *DM26) String() string {
	return formatFields(p.header(), p.Fields())
}

// Ratio - отношение производительности монитора DM20.
type Ratio struct {
	SPN         uint32
	Numerator   Value // SPN 3066
	Denominator Value // SPN 3067
}

// DM20 - Monitor Performance Ratio.
type DM20 struct {
	base
	IgnitionCycles       Value // SPN 3048
	MonitoringConditions Value // SPN 3049
	Ratios               []Ratio
}

func decodeDM20(f j1939.Frame) (Packet, error) {
	d := f.Data
	if len(d) < 4 || (len(d)-4)%7 != 0 {
		return nil, malformed(f, "длина %d байт, ожидается 4 + N*7", len(d))
	}
	p := &DM20{
		base:                 base{frame: f, name: "DM20"},
		IgnitionCycles:       Uint16At(d, 0),
		MonitoringConditions: Uint16At(d, 2),
	}
	for off := 4; off+7 <= len(d); off += 7 {
		spn := uint32(d[off]) | uint32(d[off+1])<<8 | uint32(d[off+2]>>5)<<16
		p.Ratios = append(p.Ratios, Ratio{
			SPN:         spn,
			Numerator:   Uint16At(d, off+3),
			Denominator: Uint16At(d, off+5),
		})
	}
	return p, nil
}

func (p *DM20) Fields() []Field {
	fields := []Field{
		{Name: "Ignition Cycle Counter", SPN: 3048, Value: p.IgnitionCycles},
		{Name: "OBD Monitoring Conditions Encountered", SPN: 3049, Value: p.MonitoringConditions},
	}
	for _, r := range p.Ratios {
		fields = append(fields,
			Field{Name: fmt.Sprintf("SPN %d Numerator", r.SPN), SPN: 3066, Value: r.Numerator},
			Field{Name: fmt.Sprintf("SPN %d Denominator", r.SPN), SPN: 3067, Value: r.Denominator},
		)
	}
	return fields
}

func (p *DM20) String() string {
	return formatFields(p.header(), p.Fields())
}
