package packet

import (
	"fmt"

	"github.com/serebryakov7/j1939-obd/common"
	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

// Состояние лампы (2 бита)
const (
	LampOff uint64 = 0
	LampOn  uint64 = 1
)

// DTCPacket - сообщения со списком кодов неисправностей (DM1, DM2, DM6,
// DM12, DM23, DM28): 2 байта состояния ламп и далее DTC по 4 байта.
type DTCPacket struct {
	base
	MIL, RedStop, AmberWarning, Protect                 Value
	FlashMIL, FlashRedStop, FlashAmberWarning, FlashPro Value
	DTCs                                                []common.DTCCode
}

func dtcDecoder(name string) Decoder {
	return func(f j1939.Frame) (Packet, error) {
		return decodeDTCPacket(name, f)
	}
}

func decodeDTCPacket(name string, f j1939.Frame) (*DTCPacket, error) {
	data := f.Data
	if len(data) < 6 {
		return nil, malformed(f, "длина %d байт, ожидается не менее 6", len(data))
	}
	// одиночный кадр: 2 байта ламп, один DTC и 2 байта заполнителя
	if len(data) == 8 && IsAllPadding(data, 6) {
		data = data[:6]
	}
	if (len(data)-2)%4 != 0 {
		return nil, malformed(f, "длина %d байт, ожидается 2 + N*4", len(data))
	}
	p := &DTCPacket{
		base:              base{frame: f, name: name},
		MIL:               BitsAt(data, 0, 6, 2),
		RedStop:           BitsAt(data, 0, 4, 2),
		AmberWarning:      BitsAt(data, 0, 2, 2),
		Protect:           BitsAt(data, 0, 0, 2),
		FlashMIL:          BitsAt(data, 1, 6, 2),
		FlashRedStop:      BitsAt(data, 1, 4, 2),
		FlashAmberWarning: BitsAt(data, 1, 2, 2),
		FlashPro:          BitsAt(data, 1, 0, 2),
	}
	for off := 2; off+4 <= len(data); off += 4 {
		slot := data[off : off+4]
		// нулевой слот означает "нет DTC", 0xFF - заполнитель
		if isZero(slot) || IsAllPadding(slot, 0) {
			continue
		}
		dtc, _ := common.DecodeDTC(slot)
		p.DTCs = append(p.DTCs, dtc)
	}
	return p, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func (p *DTCPacket) Fields() []Field {
	fields := []Field{
		{Name: "Malfunction Indicator Lamp Status", SPN: 1213, Value: p.MIL},
		{Name: "Red Stop Lamp Status", SPN: 623, Value: p.RedStop},
		{Name: "Amber Warning Lamp Status", SPN: 624, Value: p.AmberWarning},
		{Name: "Protect Lamp Status", SPN: 987, Value: p.Protect},
		{Name: "Flash Malfunction Indicator Lamp", SPN: 3038, Value: p.FlashMIL},
		{Name: "Flash Red Stop Lamp", SPN: 3039, Value: p.FlashRedStop},
		{Name: "Flash Amber Warning Lamp", SPN: 3040, Value: p.FlashAmberWarning},
		{Name: "Flash Protect Lamp", SPN: 3041, Value: p.FlashPro},
	}
	for i, d := range p.DTCs {
		fields = append(fields,
			Field{Name: fmt.Sprintf("DTC %d SPN", i+1), Value: NewValue(uint64(d.SPN), 19)},
			Field{Name: fmt.Sprintf("DTC %d FMI", i+1), Value: Value{Raw: uint64(d.FMI), Bits: 5}},
			Field{Name: fmt.Sprintf("DTC %d Occurrence Count", i+1), Value: NewValue(uint64(d.OC), 7)},
		)
	}
	return fields
}

// MILOn сообщает, горит ли лампа MIL.
func (p *DTCPacket) MILOn() bool {
	return p.MIL.IsValid() && p.MIL.Raw == LampOn
}

func (p *DTCPacket) String() string {
	s := fmt.Sprintf("%s: MIL %s, DTC: %d", p.header(), p.MIL, len(p.DTCs))
	for _, d := range p.DTCs {
		s += "\n  " + d.String()
	}
	return s
}
