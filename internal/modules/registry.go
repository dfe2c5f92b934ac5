// Package modules хранит сведения о модулях (ECU), обнаруженных на шине.
package modules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/serebryakov7/j1939-obd/internal/packet"
)

// Module - сведения об одном модуле.
type Module struct {
	Address       uint8    `json:"address" cbor:"1,keyasint"`
	Name          string   `json:"name,omitempty" cbor:"2,keyasint,omitempty"`
	ObdCompliant  bool     `json:"obd" cbor:"3,keyasint"`
	Compliance    uint8    `json:"compliance" cbor:"4,keyasint"` // SPN 1220, 0xFF - нет данных
	SupportedSPNs []uint32 `json:"spns,omitempty" cbor:"5,keyasint,omitempty"`
}

// Стандартные имена адресов J1939 (J1939 Appendix B, таблица B2).
var addressNames = map[uint8]string{
	0x00: "Engine #1",
	0x01: "Engine #2",
	0x03: "Transmission #1",
	0x0B: "Brakes - System Controller",
	0x0F: "Retarder, Exhaust, Engine #1",
	0x11: "Cruise Control",
	0x17: "Instrument Cluster #1",
	0x21: "Body Controller",
	0x28: "Headway Controller",
	0x31: "Cab Controller - Primary",
	0x3D: "Exhaust Emission Controller",
	0x3F: "Aftertreatment #1 Outlet",
	0x55: "Aftertreatment #1 system gas intake",
	0xF9: "Off Board Diagnostic-Service Tool #1",
	0xFA: "Off Board Diagnostic-Service Tool #2",
	0xFE: "Null",
	0xFF: "Global",
}

// StandardName возвращает стандартное имя адреса или "Unknown (0xNN)".
func StandardName(addr uint8) string {
	if n, ok := addressNames[addr]; ok {
		return n
	}
	return fmt.Sprintf("Unknown (0x%02X)", addr)
}

// Registry - потокобезопасный реестр модулей. Заполняется шагом DM5,
// далее в основном читается.
type Registry struct {
	mutex   sync.RWMutex
	modules map[uint8]Module
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[uint8]Module)}
}

// Put добавляет или заменяет запись модуля.
func (r *Registry) Put(m Module) {
	m.SupportedSPNs = append([]uint32(nil), m.SupportedSPNs...)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.modules[m.Address] = m
}

// Get возвращает копию записи модуля.
func (r *Registry) Get(addr uint8) (Module, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	m, ok := r.modules[addr]
	if ok {
		m.SupportedSPNs = append([]uint32(nil), m.SupportedSPNs...)
	}
	return m, ok
}

// IsObdModule сообщает, заявил ли модуль поддержку OBD.
func (r *Registry) IsObdModule(addr uint8) bool {
	m, ok := r.Get(addr)
	return ok && m.ObdCompliant
}

// Name возвращает имя модуля: сохраненное в реестре или стандартное.
func (r *Registry) Name(addr uint8) string {
	if m, ok := r.Get(addr); ok && m.Name != "" {
		return m.Name
	}
	return StandardName(addr)
}

// ObdAddresses возвращает отсортированные адреса OBD модулей.
func (r *Registry) ObdAddresses() []uint8 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var out []uint8
	for addr, m := range r.modules {
		if m.ObdCompliant {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SupportsSPN сообщает, заявлен ли spn модулем addr.
func (r *Registry) SupportsSPN(addr uint8, spn uint32) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for _, s := range r.modules[addr].SupportedSPNs {
		if s == spn {
			return true
		}
	}
	return false
}

// SetSupportedSPNs заменяет список поддерживаемых SPN модуля.
// Неизвестный модуль добавляется как не-OBD.
func (r *Registry) SetSupportedSPNs(addr uint8, spns []uint32) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	m, ok := r.modules[addr]
	if !ok {
		m = Module{Address: addr, Compliance: 0xFF}
	}
	m.SupportedSPNs = append([]uint32(nil), spns...)
	sort.Slice(m.SupportedSPNs, func(i, j int) bool { return m.SupportedSPNs[i] < m.SupportedSPNs[j] })
	r.modules[addr] = m
}

// Snapshot возвращает копию всех записей, отсортированную по адресу.
func (r *Registry) Snapshot() []Module {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		m.SupportedSPNs = append([]uint32(nil), m.SupportedSPNs...)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Load заменяет содержимое реестра.
func (r *Registry) Load(mods []Module) {
	fresh := make(map[uint8]Module, len(mods))
	for _, m := range mods {
		m.SupportedSPNs = append([]uint32(nil), m.SupportedSPNs...)
		fresh[m.Address] = m
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.modules = fresh
}

// Len - число известных модулей.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.modules)
}

// FromDM5 строит запись модуля по ответу DM5.
// SPN 1220 = 5 ("не OBD") или "нет данных" означает не-OBD модуль.
func FromDM5(p *packet.DM5) Module {
	m := Module{Address: p.Source(), Name: StandardName(p.Source()), Compliance: 0xFF}
	if p.OBDCompliance.IsValid() {
		m.Compliance = uint8(p.OBDCompliance.Raw)
	}
	m.ObdCompliant = p.IsOBD()
	return m
}

// Update заносит в реестр модули из ответов DM5. Сохраненные имена и
// списки SPN не теряются. Возвращает число OBD модулей среди ответивших.
func (r *Registry) Update(pkts []packet.Packet) int {
	n := 0
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, p := range pkts {
		dm5, ok := p.(*packet.DM5)
		if !ok {
			continue
		}
		m := FromDM5(dm5)
		if old, ok := r.modules[m.Address]; ok {
			if old.Name != "" {
				m.Name = old.Name
			}
			m.SupportedSPNs = old.SupportedSPNs
		}
		r.modules[m.Address] = m
		if m.ObdCompliant {
			n++
		}
	}
	return n
}
