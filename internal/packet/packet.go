package packet

import (
	"fmt"
	"strings"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

// Packet - декодированное диагностическое сообщение.
// Каждый пакет хранит исходный Frame для проверок по сырым байтам.
type Packet interface {
	PGN() uint32
	Name() string
	Source() uint8
	Frame() j1939.Frame
	Fields() []Field
	String() string
}

// base - общая часть всех пакетов.
type base struct {
	frame j1939.Frame
	name  string
}

func (b base) PGN() uint32        { return b.frame.PGN }
func (b base) Name() string       { return b.name }
func (b base) Source() uint8      { return b.frame.Source }
func (b base) Frame() j1939.Frame { return b.frame }
func (b base) header() string {
	return fmt.Sprintf("%s от SA 0x%02X", b.name, b.frame.Source)
}

// Raw - пакет PGN, для которого нет декодера. Раскладка неизвестна,
// поэтому каждый байт данных - отдельное поле.
type Raw struct {
	base
}

// NewRaw оборачивает сообщение без разбора полей.
func NewRaw(f j1939.Frame) *Raw {
	return &Raw{base{frame: f, name: fmt.Sprintf("PGN %d", f.PGN)}}
}

func (p *Raw) Fields() []Field {
	out := make([]Field, len(p.frame.Data))
	for i, b := range p.frame.Data {
		out[i] = Field{Name: fmt.Sprintf("Byte %d", i+1), Value: Value{Raw: uint64(b), Bits: 8, State: Valid}}
	}
	return out
}

func (p *Raw) String() string {
	return fmt.Sprintf("%s: % X", p.header(), p.frame.Data)
}

func formatFields(head string, fields []Field) string {
	var b strings.Builder
	b.WriteString(head)
	for _, f := range fields {
		b.WriteString("\n  ")
		b.WriteString(f.String())
	}
	return b.String()
}

// Equal сравнивает пакеты по структуре: PGN, источник и значения полей.
// Сырые байты (заполнители, зарезервированные биты) не сравниваются,
// кроме Raw: у него все байты - поля.
func Equal(a, b Packet) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.PGN() == b.PGN() && a.Source() == b.Source() && len(Diff(a, b)) == 0
}

// Diff возвращает имена полей, значения которых различаются.
// Поля, присутствующие только в одном из пакетов, тоже считаются различием.
func Diff(a, b Packet) []string {
	fa, fb := a.Fields(), b.Fields()
	var out []string
	n := max(len(fa), len(fb))
	for i := 0; i < n; i++ {
		switch {
		case i >= len(fa):
			out = append(out, fb[i].Name)
		case i >= len(fb):
			out = append(out, fa[i].Name)
		case fa[i].Name != fb[i].Name || !sameValue(fa[i].Value, fb[i].Value):
			out = append(out, fa[i].Name)
		}
	}
	return out
}

func sameValue(a, b Value) bool {
	if a.State != b.State || a.Bits != b.Bits {
		return false
	}
	// n/a и error равны независимо от конкретного сырого кода в диапазоне
	if a.State != Valid {
		return true
	}
	return a.Raw == b.Raw
}
