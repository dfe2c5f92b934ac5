package j1939

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxPayload - максимальный размер сообщения после сборки TP (255 * 7).
const MaxPayload = 1785

var (
	ErrPayloadTooLong = errors.New("j1939: размер данных превышает 1785 байт")
	ErrInvalidCANLen  = errors.New("j1939: длина CAN кадра больше 8 байт")
)

// Frame - логическое сообщение J1939 (после сборки транспортного протокола).
// После получения не изменяется.
type Frame struct {
	Priority    uint8
	PGN         uint32
	Source      uint8
	Destination uint8
	Data        []byte
	Timestamp   time.Time // момент приема, заполняется шиной
}

// Header возвращает адресную часть сообщения.
func (f Frame) Header() Header {
	return Header{Priority: f.Priority, PGN: f.PGN, Source: f.Source, Destination: f.Destination}
}

// IsGlobal сообщает, адресовано ли сообщение всем узлам.
func (f Frame) IsGlobal() bool {
	return f.Destination == Global
}

// Validate проверяет ограничения сообщения.
func (f Frame) Validate() error {
	if len(f.Data) > MaxPayload {
		return ErrPayloadTooLong
	}
	if f.Priority > 7 {
		return fmt.Errorf("j1939: недопустимый приоритет %d", f.Priority)
	}
	if f.PGN > maxPGN {
		return fmt.Errorf("j1939: недопустимый PGN 0x%X", f.PGN)
	}
	return nil
}

// Bytes возвращает копию полезной нагрузки.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.Data))
	copy(out, f.Data)
	return out
}

func (f Frame) String() string {
	return fmt.Sprintf("%s [%d] % X", f.Header(), len(f.Data), f.Data)
}

// CANFrame - физический кадр CAN с расширенным идентификатором (0..8 байт).
type CANFrame struct {
	ID   uint32
	Data []byte
}

// NewCANFrame собирает физический кадр из заголовка и данных.
func NewCANFrame(h Header, data []byte) (CANFrame, error) {
	if len(data) > 8 {
		return CANFrame{}, ErrInvalidCANLen
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return CANFrame{ID: h.ID(), Data: buf}, nil
}

// Header разбирает идентификатор кадра.
func (c CANFrame) Header() Header {
	return ParseID(c.ID)
}

func (c CANFrame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%08X [%d]", c.ID&0x1FFFFFFF, len(c.Data))
	for _, v := range c.Data {
		fmt.Fprintf(&b, " %02X", v)
	}
	return b.String()
}

// RequestPayload кодирует PGN для сообщения Request (3 байта, little endian).
func RequestPayload(pgn uint32) []byte {
	return []byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
}

// RequestedPGN извлекает PGN из полезной нагрузки Request.
func RequestedPGN(data []byte) (uint32, bool) {
	if len(data) < 3 {
		return 0, false
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16, true
}

// NewRequest собирает сообщение Request для указанного PGN.
func NewRequest(pgn uint32, source, destination uint8) Frame {
	return Frame{
		Priority:    DefaultPriority,
		PGN:         PGNRequest,
		Source:      source,
		Destination: destination,
		Data:        RequestPayload(pgn),
	}
}
