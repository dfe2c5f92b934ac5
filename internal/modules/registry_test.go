package modules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
	"github.com/serebryakov7/j1939-obd/internal/packet"
)

func dm5(t *testing.T, sa, compliance uint8) packet.Packet {
	t.Helper()
	p, err := packet.NewRegistry().Decode(j1939.Frame{Priority: 6, PGN: j1939.PGNDM5, Source: sa, Destination: j1939.Global,
		Data: []byte{0, 0, compliance, 0x07, 0x01, 0, 0, 0}})
	require.NoError(t, err)
	return p
}

func TestRegistry_UpdateFromDM5(t *testing.T) {
	r := NewRegistry()
	r.Put(Module{Address: 0x03, Name: "КПП"})
	r.SetSupportedSPNs(0x03, []uint32{190, 91})

	n := r.Update([]packet.Packet{dm5(t, 0x00, 0x14), dm5(t, 0x03, 0x13), dm5(t, 0x21, uint8(packet.ComplianceNotOBD)), dm5(t, 0x3D, 0xFF)})
	assert.Equal(t, 2, n)

	assert.True(t, r.IsObdModule(0x00))
	assert.True(t, r.IsObdModule(0x03))
	assert.False(t, r.IsObdModule(0x21))
	assert.False(t, r.IsObdModule(0x3D), "нет данных - не OBD")
	assert.False(t, r.IsObdModule(0x55), "неизвестный модуль")
	assert.Equal(t, []uint8{0x00, 0x03}, r.ObdAddresses())

	assert.Equal(t, "КПП", r.Name(0x03), "имя сохраняется")
	assert.True(t, r.SupportsSPN(0x03, 190))
	assert.False(t, r.SupportsSPN(0x00, 190))

	m, ok := r.Get(0x3D)
	require.True(t, ok)
	assert.Equal(t, uint8(0xFF), m.Compliance)
	assert.Equal(t, 4, r.Len())
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, "Engine #1", r.Name(0x00))
	assert.Equal(t, "Unknown (0x9A)", r.Name(0x9A))
}

func TestRegistry_SnapshotLoad(t *testing.T) {
	r := NewRegistry()
	r.Put(Module{Address: 0x17, ObdCompliant: true, SupportedSPNs: []uint32{84}})
	r.Put(Module{Address: 0x00, ObdCompliant: true, Compliance: 0x14})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint8(0x00), snap[0].Address)
	snap[1].SupportedSPNs[0] = 1
	assert.True(t, r.SupportsSPN(0x17, 84), "снимок - копия")

	other := NewRegistry()
	other.Put(Module{Address: 0x55})
	other.Load(snap)
	assert.Equal(t, 2, other.Len())
	_, ok := other.Get(0x55)
	assert.False(t, ok)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Put(Module{Address: uint8(i), ObdCompliant: j%2 == 0})
				_ = r.IsObdModule(uint8(i))
				_ = r.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, r.Len())
}
