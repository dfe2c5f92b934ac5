// Package reconcile сравнивает ответы на глобальный запрос с ответами на
// адресные (DS) запросы того же PGN.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/serebryakov7/j1939-obd/internal/packet"
	"github.com/serebryakov7/j1939-obd/internal/request"
)

// Kind - вид расхождения.
type Kind int

const (
	// Mismatch - поля DS ответа отличаются от глобального.
	Mismatch Kind = iota
	// MissingGlobal - данные есть только в DS ответе.
	MissingGlobal
	// MissingDS - данные есть только в глобальном ответе.
	MissingDS
	// Silent - нет ни глобального ответа, ни DS данных, ни NACK на один из запросов.
	Silent
)

func (k Kind) String() string {
	switch k {
	case Mismatch:
		return "MISMATCH"
	case MissingGlobal:
		return "MISSING_GLOBAL"
	case MissingDS:
		return "MISSING_DS"
	case Silent:
		return "SILENT"
	default:
		return fmt.Sprintf("KIND(%d)", int(k))
	}
}

// Discrepancy - одно расхождение по адресу.
type Discrepancy struct {
	Address uint8
	PGN     uint32
	Kind    Kind
	Fields  []string // различающиеся поля для Mismatch
	Global  packet.Packet
	DS      packet.Packet
}

func (d Discrepancy) String() string {
	switch d.Kind {
	case Mismatch:
		return fmt.Sprintf("0x%02X PGN %d: DS и глобальный ответы различаются: %s", d.Address, d.PGN, strings.Join(d.Fields, ", "))
	case MissingGlobal:
		return fmt.Sprintf("0x%02X PGN %d: ответ на DS запрос есть, на глобальный нет", d.Address, d.PGN)
	case MissingDS:
		return fmt.Sprintf("0x%02X PGN %d: ответ на глобальный запрос есть, на DS нет", d.Address, d.PGN)
	case Silent:
		return fmt.Sprintf("0x%02X PGN %d: нет ответа и нет NACK", d.Address, d.PGN)
	default:
		return fmt.Sprintf("0x%02X PGN %d: %s", d.Address, d.PGN, d.Kind)
	}
}

// Compare сравнивает глобальный результат с DS результатами поле за полем.
// Сырые байты не сравниваются: заполнители и зарезервированные биты могут
// законно различаться. Явный отказ (NACK, Access Denied) на глобальный или
// DS запрос от модуля без данных расхождением не считается.
// Результат отсортирован по (адрес, вид) и не зависит от порядка ds.
func Compare(global *request.Result, ds []*request.Result) []Discrepancy {
	var out []Discrepancy

	for _, r := range ds {
		if r == nil || r.Global {
			continue
		}
		addr := r.Destination
		pgn := r.PGN

		var g packet.Packet
		var inGlobal bool
		if global != nil {
			g, inGlobal = global.PacketFrom(addr)
			pgn = global.PGN
		}
		d, inDS := r.PacketFrom(addr)

		switch {
		case inGlobal && inDS:
			if !packet.Equal(g, d) {
				out = append(out, Discrepancy{Address: addr, PGN: pgn, Kind: Mismatch, Fields: packet.Diff(g, d), Global: g, DS: d})
			}
		case inDS:
			out = append(out, Discrepancy{Address: addr, PGN: pgn, Kind: MissingGlobal, DS: d})
		case inGlobal:
			out = append(out, Discrepancy{Address: addr, PGN: pgn, Kind: MissingDS, Global: g})
		case global != nil && global.Declined(addr):
			// отказ на глобальный запрос - тоже ответ
		case !r.Declined(addr):
			out = append(out, Discrepancy{Address: addr, PGN: pgn, Kind: Silent})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].String() < out[j].String()
	})
	return dedupe(out)
}

// dedupe убирает повторы, если один адрес запрошен несколько раз.
func dedupe(in []Discrepancy) []Discrepancy {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, d := range in[1:] {
		last := out[len(out)-1]
		if d.Address == last.Address && d.Kind == last.Kind {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Format собирает расхождения в текст, по одному на строку.
func Format(ds []Discrepancy) string {
	lines := make([]string, len(ds))
	for i, d := range ds {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}
