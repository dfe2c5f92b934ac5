package sim

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1939-obd/internal/bus"
	"github.com/serebryakov7/j1939-obd/internal/j1939"
	"github.com/serebryakov7/j1939-obd/internal/packet"
	"github.com/serebryakov7/j1939-obd/internal/request"
)

func TestVehicle_Requests(t *testing.T) {
	lb := bus.NewLoopback()
	defer lb.Close()
	mux := bus.NewMux(lb.Open(), nil)
	defer mux.Close()

	ecus := DemoECUs()
	ecus[1].Silent = map[uint32]bool{j1939.PGNDM26: true}
	v := NewVehicle(lb, clock.NewMock(), ecus...)
	v.Start()
	defer v.Stop()

	eng := request.NewEngine(mux, nil, nil, request.Options{GlobalTimeout: 100 * time.Millisecond, DSTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	g, err := eng.RequestGlobal(ctx, j1939.PGNDM5, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0x00, 0x03, 0x21}, g.Sources())

	ds, err := eng.RequestDS(ctx, j1939.PGNDM21, 0x00, 0)
	require.NoError(t, err)
	p, ok := ds.PacketFrom(0x00)
	require.True(t, ok)
	assert.Equal(t, j1939.ToolAddress, p.Frame().Destination, "DM21 - PDU1, ответ адресован прибору")

	ds, err = eng.RequestDS(ctx, j1939.PGNDM21, 0x21, 0)
	require.NoError(t, err)
	require.Len(t, ds.Acks, 1)
	assert.Equal(t, packet.NACK, ds.Acks[0].Kind)

	ds, err = eng.RequestDS(ctx, j1939.PGNDM26, 0x03, 0)
	require.NoError(t, err)
	assert.Equal(t, request.TimedOut, ds.Status)
	assert.Equal(t, 2, ds.Attempts)

	// на глобальный запрос неподдерживаемого PGN модули молчат
	g, err = eng.RequestGlobal(ctx, j1939.PGNDM21, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0x00, 0x03}, g.Sources())
	assert.Empty(t, g.Acks)
}

func TestVehicle_Broadcast(t *testing.T) {
	lb := bus.NewLoopback()
	defer lb.Close()
	mux := bus.NewMux(lb.Open(), nil)
	defer mux.Close()
	ch, cancel := mux.Subscribe(bus.ByPGN(j1939.PGNDM1), 16)
	defer cancel()

	mock := clock.NewMock()
	v := NewVehicle(lb, mock, DemoECUs()...)
	v.Start()
	defer v.Stop()

	// тикеры создаются в горутинах модулей
	time.Sleep(20 * time.Millisecond)
	mock.Add(time.Second)

	seen := make(map[uint8]bool)
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case f := <-ch:
			seen[f.Source] = true
		case <-timeout:
			t.Fatalf("DM1 получен только от %v", seen)
		}
	}
	assert.True(t, seen[0x00])
	assert.True(t, seen[0x03])
}
