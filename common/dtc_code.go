package common

import "fmt"

// DTCCode представляет код неисправности J1939 (SPN + FMI)
type DTCCode struct {
	SPN int `json:"spn"`          // Suspect Parameter Number (19 бит)
	FMI int `json:"fmi"`          // Failure Mode Identifier (5 бит)
	OC  int `json:"oc,omitempty"` // Occurrence Count (7 бит)
	CM  int `json:"cm,omitempty"` // Conversion Method (1 бит)
}

// DecodeDTC разбирает 4 байта DTC в формате J1939-73 (CM = 0):
// байты 0-1 - младшие биты SPN, байт 2 - FMI (5 бит) + старшие 3 бита SPN,
// байт 3 - OC (7 бит) + CM.
func DecodeDTC(b []byte) (DTCCode, bool) {
	if len(b) < 4 {
		return DTCCode{}, false
	}
	spn := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2]>>5)<<16
	return DTCCode{
		SPN: int(spn),
		FMI: int(b[2] & 0x1F),
		OC:  int(b[3] & 0x7F),
		CM:  int(b[3] >> 7),
	}, true
}

// Encode кодирует DTC обратно в 4 байта.
func (d DTCCode) Encode() []byte {
	spn := uint32(d.SPN)
	return []byte{
		byte(spn),
		byte(spn >> 8),
		byte((spn>>16)&0x7)<<5 | byte(d.FMI&0x1F),
		byte(d.CM&0x1)<<7 | byte(d.OC&0x7F),
	}
}

func (d DTCCode) String() string {
	return fmt.Sprintf("SPN %d FMI %d OC %d", d.SPN, d.FMI, d.OC)
}
