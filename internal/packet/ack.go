package packet

import (
	"fmt"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

// AckKind - управляющий байт сообщения Acknowledgment (PGN 59392).
type AckKind uint8

const (
	ACK          AckKind = 0
	NACK         AckKind = 1
	AccessDenied AckKind = 2
	Busy         AckKind = 3 // Cannot Respond
)

func (k AckKind) String() string {
	switch k {
	case ACK:
		return "ACK"
	case NACK:
		return "NACK"
	case AccessDenied:
		return "ACCESS_DENIED"
	case Busy:
		return "BUSY"
	default:
		return fmt.Sprintf("ACK(%d)", uint8(k))
	}
}

// Acknowledgment - ответ на запрос вместо данных.
type Acknowledgment struct {
	base
	Kind          AckKind
	GroupFunction uint8
	Address       uint8 // адрес, которому адресовано подтверждение
	RequestedPGN  uint32
}

func decodeAcknowledgment(f j1939.Frame) (Packet, error) {
	d := f.Data
	if len(d) != 8 {
		return nil, malformed(f, "длина %d байт, ожидается 8", len(d))
	}
	if d[0] > uint8(Busy) {
		return nil, malformed(f, "неизвестный управляющий байт %d", d[0])
	}
	return &Acknowledgment{
		base:          base{frame: f, name: "Acknowledgment"},
		Kind:          AckKind(d[0]),
		GroupFunction: d[1],
		Address:       d[4],
		RequestedPGN:  uint32(d[5]) | uint32(d[6])<<8 | uint32(d[7])<<16,
	}, nil
}

// NewAcknowledgmentFrame собирает сообщение Acknowledgment.
func NewAcknowledgmentFrame(kind AckKind, source, address uint8, pgn uint32) j1939.Frame {
	return j1939.Frame{
		Priority:    j1939.DefaultPriority,
		PGN:         j1939.PGNAcknowledgment,
		Source:      source,
		Destination: j1939.Global,
		Data:        []byte{byte(kind), 0xFF, 0xFF, 0xFF, address, byte(pgn), byte(pgn >> 8), byte(pgn >> 16)},
	}
}

func (a *Acknowledgment) Fields() []Field {
	return []Field{
		{Name: "Control Byte", Value: Value{Raw: uint64(a.Kind), Bits: 8}},
		{Name: "Address Acknowledged", Value: Value{Raw: uint64(a.Address), Bits: 8}},
		{Name: "PGN of Requested Information", Value: Value{Raw: uint64(a.RequestedPGN), Bits: 24}},
	}
}

func (a *Acknowledgment) String() string {
	return fmt.Sprintf("%s: %s для PGN %d (адресат 0x%02X)", a.header(), a.Kind, a.RequestedPGN, a.Address)
}

// IsNotSupported сообщает о явном отказе ("не поддерживается").
// Это соответствующее стандарту объявление, а не отсутствие связи.
func (a *Acknowledgment) IsNotSupported() bool {
	return a.Kind == NACK
}

// Reply - результат классификации ответа на запрос: DataReply или AckReply.
type Reply interface {
	Source() uint8
	isReply()
}

// DataReply - положительный ответ с данными.
type DataReply struct {
	Packet Packet
}

// AckReply - управляющее подтверждение.
type AckReply struct {
	Ack *Acknowledgment
}

func (r DataReply) Source() uint8 { return r.Packet.Source() }
func (r AckReply) Source() uint8  { return r.Ack.Source() }
func (DataReply) isReply()        {}
func (AckReply) isReply()         {}

// Classify определяет, является ли сообщение данными или подтверждением.
// Для PGN без декодера возвращается DataReply с Raw пакетом.
func Classify(reg *Registry, f j1939.Frame) (Reply, error) {
	if f.PGN == j1939.PGNAcknowledgment {
		p, err := decodeAcknowledgment(f)
		if err != nil {
			return nil, err
		}
		return AckReply{Ack: p.(*Acknowledgment)}, nil
	}
	p, err := reg.DecodeOrRaw(f)
	if err != nil {
		return nil, err
	}
	return DataReply{Packet: p}, nil
}
