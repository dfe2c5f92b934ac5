package bus

import "github.com/serebryakov7/j1939-obd/internal/j1939"

// Filter решает, доставлять ли сообщение подписчику.
type Filter func(j1939.Frame) bool

// ByPGN пропускает сообщения с одним из указанных PGN.
func ByPGN(pgns ...uint32) Filter {
	set := make(map[uint32]struct{}, len(pgns))
	for _, p := range pgns {
		set[p] = struct{}{}
	}
	return func(f j1939.Frame) bool {
		_, ok := set[f.PGN]
		return ok
	}
}

// FromSource пропускает сообщения от указанного адреса.
func FromSource(sa uint8) Filter {
	return func(f j1939.Frame) bool { return f.Source == sa }
}

// ToAddress пропускает сообщения, адресованные da, и глобальные.
func ToAddress(da uint8) Filter {
	return func(f j1939.Frame) bool { return f.Destination == da || f.Destination == j1939.Global }
}

// And - оба фильтра.
func And(a, b Filter) Filter {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return func(f j1939.Frame) bool { return a(f) && b(f) }
	}
}

// Or - хотя бы один фильтр.
func Or(a, b Filter) Filter {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return func(f j1939.Frame) bool { return a(f) || b(f) }
	}
}

// Not инвертирует фильтр. Not(nil) не пропускает ничего.
func Not(a Filter) Filter {
	if a == nil {
		return func(j1939.Frame) bool { return false }
	}
	return func(f j1939.Frame) bool { return !a(f) }
}
