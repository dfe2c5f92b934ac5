package request

import (
	"fmt"
	"sort"
	"strings"

	"github.com/serebryakov7/j1939-obd/internal/packet"
)

// Status - итог обмена.
type Status int

const (
	Completed Status = iota
	TimedOut
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "COMPLETED"
	case TimedOut:
		return "TIMED_OUT"
	case Cancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Result - результат одного глобального или адресного запроса.
// Создается заново на каждый вызов и после возврата не изменяется.
type Result struct {
	PGN         uint32
	Global      bool
	Destination uint8   // адрес DS запроса; Global для глобального
	Requested   []uint8 // адреса, которым направлен запрос (для DS - один)

	Packets []packet.Packet
	Acks    []*packet.Acknowledgment

	Status   Status
	Attempts int

	// DecodeErrors - ответы, нарушающие формат PGN. Не попадают в Packets.
	DecodeErrors []error
	// Duplicates - повторные пакеты от уже ответивших адресов (глобальный запрос).
	Duplicates []packet.Packet
}

// PacketFrom возвращает пакет от адреса sa.
func (r *Result) PacketFrom(sa uint8) (packet.Packet, bool) {
	for _, p := range r.Packets {
		if p.Source() == sa {
			return p, true
		}
	}
	return nil, false
}

// AckFrom возвращает подтверждение от адреса sa.
func (r *Result) AckFrom(sa uint8) (*packet.Acknowledgment, bool) {
	for _, a := range r.Acks {
		if a.Source() == sa {
			return a, true
		}
	}
	return nil, false
}

// Declined сообщает, что sa явно отказал: NACK или Access Denied.
// Это соответствующий стандарту ответ, а не отсутствие связи.
func (r *Result) Declined(sa uint8) bool {
	a, ok := r.AckFrom(sa)
	return ok && (a.Kind == packet.NACK || a.Kind == packet.AccessDenied)
}

// Responded сообщает, ответил ли sa данными или подтверждением.
func (r *Result) Responded(sa uint8) bool {
	if _, ok := r.PacketFrom(sa); ok {
		return true
	}
	_, ok := r.AckFrom(sa)
	return ok
}

// Sources возвращает отсортированные адреса, приславшие данные.
func (r *Result) Sources() []uint8 {
	out := make([]uint8, 0, len(r.Packets))
	for _, p := range r.Packets {
		out = append(out, p.Source())
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Empty - нет ни данных, ни подтверждений.
func (r *Result) Empty() bool {
	return len(r.Packets) == 0 && len(r.Acks) == 0
}

func (r *Result) String() string {
	var b strings.Builder
	target := "global"
	if !r.Global {
		target = fmt.Sprintf("DS 0x%02X", r.Destination)
	}
	fmt.Fprintf(&b, "PGN %d %s: %s, попыток %d, пакетов %d, подтверждений %d",
		r.PGN, target, r.Status, r.Attempts, len(r.Packets), len(r.Acks))
	if len(r.DecodeErrors) > 0 {
		fmt.Fprintf(&b, ", ошибок формата %d", len(r.DecodeErrors))
	}
	if len(r.Duplicates) > 0 {
		fmt.Fprintf(&b, ", повторов %d", len(r.Duplicates))
	}
	return b.String()
}
