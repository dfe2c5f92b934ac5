package packet

import (
	"encoding/binary"
	"fmt"
)

// State - состояние значения параметра (SPN).
type State uint8

const (
	Valid State = iota
	NotAvailable
	Error
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case NotAvailable:
		return "not available"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Value - сырое значение параметра с учетом ширины поля.
// Значения "not available" и "error" никогда не сравниваются как числа.
type Value struct {
	Raw   uint64
	Bits  int
	State State
}

// NewValue классифицирует сырое значение по правилам J1939-71:
//
//	2 бита:  10b ошибка, 11b нет данных
//	4 бита:  0xE ошибка, 0xF нет данных
//	8 бит:   0xFE ошибка, 0xFF нет данных
//	16 бит:  0xFE00-0xFEFF ошибка, 0xFF00-0xFFFF нет данных
//	32 бита: 0xFExxxxxx ошибка, 0xFFxxxxxx нет данных
func NewValue(raw uint64, bits int) Value {
	v := Value{Raw: raw & mask(bits), Bits: bits}
	switch {
	case bits <= 0:
		v.State = NotAvailable
	case v.Raw == mask(bits):
		v.State = NotAvailable
	case bits >= 8 && bits%8 == 0:
		hi := v.Raw >> (bits - 8)
		switch hi {
		case 0xFF:
			v.State = NotAvailable
		case 0xFE:
			v.State = Error
		}
	case bits == 2 || bits == 4:
		if v.Raw == mask(bits)-1 {
			v.State = Error
		}
	}
	return v
}

// NotAvailableRaw возвращает кодировку "нет данных" для поля указанной ширины.
func NotAvailableRaw(bits int) uint64 {
	return mask(bits)
}

func mask(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	if bits <= 0 {
		return 0
	}
	return 1<<uint(bits) - 1
}

// IsValid сообщает, содержит ли поле пригодное числовое значение.
func (v Value) IsValid() bool { return v.State == Valid }

// IsNotAvailable сообщает, закодировано ли "нет данных".
func (v Value) IsNotAvailable() bool { return v.State == NotAvailable }

// Float возвращает масштабированное значение; ok=false для n/a и error.
func (v Value) Float(scale, offset float64) (float64, bool) {
	if v.State != Valid {
		return 0, false
	}
	return float64(v.Raw)*scale + offset, true
}

// InRange проверяет сырое значение на попадание в [lo, hi].
// Для n/a и error возвращает ok=false, а не результат сравнения.
func (v Value) InRange(lo, hi uint64) (in bool, ok bool) {
	if v.State != Valid {
		return false, false
	}
	return v.Raw >= lo && v.Raw <= hi, true
}

func (v Value) String() string {
	if v.State != Valid {
		return v.State.String()
	}
	return fmt.Sprintf("%d", v.Raw)
}

// Field - именованный параметр декодированного пакета.
type Field struct {
	Name  string
	SPN   uint32 // 0, если у поля нет номера SPN
	Value Value
}

func (f Field) String() string {
	if f.SPN != 0 {
		return fmt.Sprintf("%s (SPN %d): %s", f.Name, f.SPN, f.Value)
	}
	return fmt.Sprintf("%s: %s", f.Name, f.Value)
}

// Uint8At читает однобайтовое поле. За пределами данных - "нет данных".
func Uint8At(data []byte, i int) Value {
	if i < 0 || i >= len(data) {
		return Value{Bits: 8, Raw: mask(8), State: NotAvailable}
	}
	return NewValue(uint64(data[i]), 8)
}

// Uint16At читает двухбайтовое поле (little endian).
func Uint16At(data []byte, i int) Value {
	if i < 0 || i+2 > len(data) {
		return Value{Bits: 16, Raw: mask(16), State: NotAvailable}
	}
	return NewValue(uint64(binary.LittleEndian.Uint16(data[i:])), 16)
}

// Uint24At читает трехбайтовое поле (little endian).
func Uint24At(data []byte, i int) Value {
	if i < 0 || i+3 > len(data) {
		return Value{Bits: 24, Raw: mask(24), State: NotAvailable}
	}
	raw := uint64(data[i]) | uint64(data[i+1])<<8 | uint64(data[i+2])<<16
	return NewValue(raw, 24)
}

// Uint32At читает четырехбайтовое поле (little endian).
func Uint32At(data []byte, i int) Value {
	if i < 0 || i+4 > len(data) {
		return Value{Bits: 32, Raw: mask(32), State: NotAvailable}
	}
	return NewValue(uint64(binary.LittleEndian.Uint32(data[i:])), 32)
}

// BitsAt читает битовое поле шириной width, начиная с бита shift байта i.
func BitsAt(data []byte, i int, shift, width int) Value {
	if i < 0 || i >= len(data) {
		return Value{Bits: width, Raw: mask(width), State: NotAvailable}
	}
	return NewValue(uint64(data[i]>>uint(shift)), width)
}

// Masked возвращает значение с обнуленными битами вне mask.
// Используется для полей с зарезервированными битами внутри байта;
// поле из одних единиц по-прежнему означает "нет данных".
func Masked(raw uint64, bits int, m uint64) Value {
	if raw&mask(bits) == mask(bits) {
		return Value{Raw: mask(bits), Bits: bits, State: NotAvailable}
	}
	return Value{Raw: raw & m, Bits: bits, State: Valid}
}

// IsAllPadding сообщает, заполнены ли байты с позиции from до конца значением 0xFF.
// Пустой хвост считается заполненным.
func IsAllPadding(b []byte, from int) bool {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(b); i++ {
		if b[i] != 0xFF {
			return false
		}
	}
	return true
}
