package j1939

import "fmt"

// Адреса
const (
	// Global - глобальный адрес назначения (broadcast)
	Global uint8 = 0xFF
	// NullAddress - адрес "без адреса" (J1939-81)
	NullAddress uint8 = 0xFE
	// ToolAddress - адрес внешнего диагностического прибора по умолчанию
	ToolAddress uint8 = 0xF9
)

// PGN диагностических и служебных сообщений J1939
const (
	PGNRequest         uint32 = 0xEA00 // 59904 Request
	PGNAcknowledgment  uint32 = 0xE800 // 59392 Acknowledgment
	PGNTransportCM     uint32 = 0xEC00 // 60416 TP.CM
	PGNTransportDT     uint32 = 0xEB00 // 60160 TP.DT
	PGNAddressClaimed  uint32 = 0xEE00 // 60928 Address Claimed
	PGNDM1             uint32 = 0xFECA // 65226 Active DTCs
	PGNDM2             uint32 = 0xFECB // 65227 Previously Active DTCs
	PGNDM5             uint32 = 0xFECE // 65230 Diagnostic Readiness 1
	PGNDM6             uint32 = 0xFECF // 65231 Pending DTCs
	PGNDM11            uint32 = 0xFED3 // 65235 Clear Active DTCs
	PGNDM12            uint32 = 0xFED4 // 65236 Emissions-Related Active DTCs
	PGNDM20            uint32 = 0xC200 // 49664 Monitor Performance Ratio
	PGNDM21            uint32 = 0xC100 // 49408 Diagnostic Readiness 2
	PGNDM23            uint32 = 0xFDB5 // 64949 Previously MIL-On DTCs
	PGNDM26            uint32 = 0xFDB8 // 64952 Diagnostic Readiness 3
	PGNDM28            uint32 = 0xFD80 // 64896 Permanent DTCs
	PGNComponentID     uint32 = 0xFEEB // 65259 Component Identification
	PGNVehicleID       uint32 = 0xFEEC // 65260 Vehicle Identification
	DefaultPriority    uint8  = 6
	maxPGN             uint32 = 0x3FFFF
	pdu2FormatBoundary uint8  = 240
)

// Header содержит поля 29-битного идентификатора J1939.
type Header struct {
	Priority    uint8
	PGN         uint32
	Source      uint8
	Destination uint8
}

// IsPDU1 сообщает, является ли PGN адресуемым (PF < 240).
func IsPDU1(pgn uint32) bool {
	return uint8(pgn>>8) < pdu2FormatBoundary
}

// ParseID разбирает 29-битный CAN идентификатор.
// Для PDU1 байт PS - адрес назначения, младший байт PGN обнуляется.
func ParseID(id uint32) Header {
	h := Header{
		Priority: uint8((id >> 26) & 0x7),
		Source:   uint8(id),
	}
	pf := uint8(id >> 16)
	ps := uint8(id >> 8)
	dp := (id >> 24) & 0x3 // EDP + DP
	pgn := dp<<16 | uint32(pf)<<8
	if pf < pdu2FormatBoundary {
		h.Destination = ps
		h.PGN = pgn
	} else {
		h.Destination = Global
		h.PGN = pgn | uint32(ps)
	}
	return h
}

// ID собирает 29-битный идентификатор из заголовка.
func (h Header) ID() uint32 {
	pgn := h.PGN & maxPGN
	if IsPDU1(pgn) {
		pgn = pgn&0x3FF00 | uint32(h.Destination)
	}
	return uint32(h.Priority&0x7)<<26 | pgn<<8 | uint32(h.Source)
}

func (h Header) String() string {
	return fmt.Sprintf("PGN=%d(0x%04X) SA=0x%02X DA=0x%02X P=%d", h.PGN, h.PGN, h.Source, h.Destination, h.Priority)
}
