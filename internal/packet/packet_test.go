package packet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1939-obd/common"
	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

func frame(pgn uint32, sa uint8, data ...byte) j1939.Frame {
	return j1939.Frame{Priority: 6, PGN: pgn, Source: sa, Destination: j1939.Global, Data: data}
}

func TestNewValue_Sentinels(t *testing.T) {
	cases := []struct {
		raw   uint64
		bits  int
		state State
	}{
		{0xFF, 8, NotAvailable},
		{0xFE, 8, Error},
		{0xFD, 8, Valid},
		{0xFFFF, 16, NotAvailable},
		{0xFF12, 16, NotAvailable},
		{0xFE00, 16, Error},
		{0xFAFF, 16, Valid},
		{0xFFFFFFFF, 32, NotAvailable},
		{0xFE000001, 32, Error},
		{0x03, 2, NotAvailable},
		{0x02, 2, Error},
		{0x01, 2, Valid},
		{0x0F, 4, NotAvailable},
		{0x0E, 4, Error},
		{0x7FFFF, 19, NotAvailable},
	}
	for _, c := range cases {
		v := NewValue(c.raw, c.bits)
		assert.Equal(t, c.state, v.State, "raw 0x%X, %d бит", c.raw, c.bits)
	}
}

func TestNotAvailable_RoundTrip(t *testing.T) {
	for _, bits := range []int{2, 4, 8, 16, 24, 32} {
		v := NewValue(NotAvailableRaw(bits), bits)
		assert.True(t, v.IsNotAvailable(), "%d бит", bits)

		_, ok := v.Float(0.5, 0)
		assert.False(t, ok)
		_, ok = v.InRange(0, NotAvailableRaw(bits))
		assert.False(t, ok, "n/a не сравнивается как число")
	}
}

func TestSentinel_IndependentOfNeighbours(t *testing.T) {
	// SPN 1220 = 0xFF, остальные поля заполнены допустимыми значениями
	p, err := NewRegistry().Decode(frame(j1939.PGNDM5, 0x00, 0x01, 0x02, 0xFF, 0x07, 0x01, 0x00, 0x00, 0x00))
	require.NoError(t, err)
	dm5 := p.(*DM5)

	assert.True(t, dm5.OBDCompliance.IsNotAvailable())
	assert.False(t, dm5.IsOBD())
	assert.Equal(t, uint64(1), dm5.ActiveCount.Raw)
	assert.True(t, dm5.ActiveCount.IsValid())
	assert.True(t, dm5.PreviouslyActiveCount.IsValid())
}

func TestReaders_OutOfRange(t *testing.T) {
	data := []byte{0x01}
	assert.True(t, Uint8At(data, 3).IsNotAvailable())
	assert.True(t, Uint16At(data, 0).IsNotAvailable())
	assert.True(t, Uint24At(data, 0).IsNotAvailable())
	assert.True(t, Uint32At(data, 0).IsNotAvailable())
	assert.True(t, BitsAt(data, 1, 0, 2).IsNotAvailable())
	assert.Equal(t, uint64(1), Uint8At(data, 0).Raw)
}

func TestIsAllPadding(t *testing.T) {
	b := []byte{0x01, 0x02, 0xFF, 0xFF}
	assert.True(t, IsAllPadding(b, 2))
	assert.False(t, IsAllPadding(b, 1))
	assert.True(t, IsAllPadding(b, 4))
	assert.True(t, IsAllPadding(nil, 0))
	assert.False(t, IsAllPadding(b, -1))
}

func TestDecodeDM1(t *testing.T) {
	dtc := common.DTCCode{SPN: 100, FMI: 1, OC: 3}
	data := append([]byte{0x40, 0xFF}, dtc.Encode()...)
	data = append(data, 0x00, 0x00, 0x00, 0x00) // пустой слот

	p, err := NewRegistry().Decode(frame(j1939.PGNDM1, 0x00, data...))
	require.NoError(t, err)
	dm1, ok := p.(*DTCPacket)
	require.True(t, ok)

	assert.Equal(t, "DM1", dm1.Name())
	assert.True(t, dm1.MILOn())
	assert.True(t, dm1.FlashMIL.IsNotAvailable())
	require.Len(t, dm1.DTCs, 1)
	assert.Equal(t, dtc, dm1.DTCs[0])
	assert.Contains(t, dm1.String(), "SPN 100 FMI 1")
}

func TestDecodeDM1_SingleFrame(t *testing.T) {
	p, err := NewRegistry().Decode(frame(j1939.PGNDM1, 0x00, 0x00, 0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF))
	require.NoError(t, err)
	assert.Empty(t, p.(*DTCPacket).DTCs)
	assert.Len(t, p.Frame().Data, 8)

	_, err = NewRegistry().Decode(frame(j1939.PGNDM1, 0x00, 0x00, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x12, 0xFF))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeDTCPacket_Malformed(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Decode(frame(j1939.PGNDM1, 0x00, 0x00, 0xFF, 0x00, 0x00, 0x00))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = reg.Decode(frame(j1939.PGNDM12, 0x00, 0x00, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, j1939.PGNDM12, de.PGN)
}

func TestDecodeFixedLength_Malformed(t *testing.T) {
	reg := NewRegistry()
	for _, pgn := range []uint32{j1939.PGNDM5, j1939.PGNDM21, j1939.PGNDM26, j1939.PGNAcknowledgment} {
		_, err := reg.Decode(frame(pgn, 0x01, 0x00, 0x00, 0x00))
		assert.ErrorIs(t, err, ErrMalformed, "PGN %d", pgn)
	}
	_, err := reg.Decode(frame(j1939.PGNDM20, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeUnknownPGN(t *testing.T) {
	reg := NewRegistry()
	f := frame(65259, 0x00, 0x01, 0x02)

	_, err := reg.Decode(f)
	assert.ErrorIs(t, err, ErrUnknownPGN)

	p, err := reg.DecodeOrRaw(f)
	require.NoError(t, err)
	assert.IsType(t, &Raw{}, p)
	assert.Equal(t, "PGN 65259", reg.Name(65259))
	assert.False(t, reg.Known(65259))
	assert.True(t, reg.Known(j1939.PGNDM21))
}

func TestDecodeDM5_MonitorStatuses(t *testing.T) {
	// Misfire поддерживается, но не завершен; Catalyst поддерживается и завершен
	p, err := NewRegistry().Decode(frame(j1939.PGNDM5, 0x00, 0x00, 0x00, 0x14, 0x17, 0x01, 0x00, 0x00, 0x00))
	require.NoError(t, err)
	dm5 := p.(*DM5)
	assert.True(t, dm5.IsOBD())

	st := dm5.MonitorStatuses()
	require.Len(t, st, len(Monitors))
	assert.Equal(t, "Misfire", st[0].Name)
	assert.True(t, st[0].Supported)
	assert.False(t, st[0].Complete)
	assert.Equal(t, "Catalyst", st[3].Name)
	assert.True(t, st[3].Supported)
	assert.True(t, st[3].Complete)
	assert.False(t, st[4].Supported)
}

func TestDecodeDM21(t *testing.T) {
	p, err := NewRegistry().Decode(frame(j1939.PGNDM21, 0x00, 0x00, 0x00, 0x10, 0x00, 0xFF, 0xFF, 0xFE, 0xFE))
	require.NoError(t, err)
	dm21 := p.(*DM21)

	assert.Equal(t, uint64(0), dm21.DistanceWithMIL.Raw)
	assert.True(t, dm21.DistanceWithMIL.IsValid())
	assert.Equal(t, uint64(16), dm21.DistanceSinceCleared.Raw)
	assert.True(t, dm21.MinutesWithMIL.IsNotAvailable())
	assert.Equal(t, Error, dm21.MinutesSinceCleared.State)
}

func TestDecodeDM20(t *testing.T) {
	data := []byte{
		0x10, 0x00, 0x08, 0x00,
		0xCA, 0x14, 0x00, 0x03, 0x00, 0x05, 0x00, // SPN 5322 3/5
	}
	p, err := NewRegistry().Decode(frame(j1939.PGNDM20, 0x00, data...))
	require.NoError(t, err)
	dm20 := p.(*DM20)

	assert.Equal(t, uint64(16), dm20.IgnitionCycles.Raw)
	require.Len(t, dm20.Ratios, 1)
	assert.Equal(t, uint32(5322), dm20.Ratios[0].SPN)
	assert.Equal(t, uint64(3), dm20.Ratios[0].Numerator.Raw)
	assert.Equal(t, uint64(5), dm20.Ratios[0].Denominator.Raw)
	assert.Len(t, dm20.Fields(), 4)
}

func TestEqual_IgnoresReservedBits(t *testing.T) {
	reg := NewRegistry()
	global, err := reg.Decode(frame(j1939.PGNDM5, 0x00, 0x00, 0x00, 0x14, 0x07, 0x01, 0x00, 0x00, 0x00))
	require.NoError(t, err)
	// тот же ответ с установленными зарезервированными битами
	ds, err := reg.Decode(frame(j1939.PGNDM5, 0x00, 0x00, 0x00, 0x14, 0x8F, 0x01, 0xE0, 0x00, 0xE0))
	require.NoError(t, err)

	assert.True(t, Equal(global, ds))
	assert.Empty(t, Diff(global, ds))
}

func TestEqual_DetectsFieldDifference(t *testing.T) {
	reg := NewRegistry()
	a, err := reg.Decode(frame(j1939.PGNDM21, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00))
	require.NoError(t, err)
	b, err := reg.Decode(frame(j1939.PGNDM21, 0x00, 0x00, 0x00, 0x11, 0x00, 0x00, 0x00, 0x00, 0x00))
	require.NoError(t, err)

	assert.False(t, Equal(a, b))
	assert.Equal(t, []string{"Distance Since DTCs Cleared"}, Diff(a, b))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(a, nil))
}

func TestEqual_RawComparesBytes(t *testing.T) {
	reg := NewRegistry()
	a, err := reg.DecodeOrRaw(frame(65262, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08))
	require.NoError(t, err)
	b, err := reg.DecodeOrRaw(frame(65262, 0x00, 0x09, 0x09, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08))
	require.NoError(t, err)
	require.IsType(t, &Raw{}, a)

	assert.False(t, Equal(a, b))
	assert.Equal(t, []string{"Byte 1", "Byte 2"}, Diff(a, b))
	assert.True(t, Equal(a, a))

	short, err := reg.DecodeOrRaw(frame(65262, 0x00, 0x01, 0x02))
	require.NoError(t, err)
	assert.False(t, Equal(a, short))

	other, err := reg.DecodeOrRaw(frame(65262, 0x03, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08))
	require.NoError(t, err)
	assert.False(t, Equal(a, other), "источник различается")
}

func TestEqual_NotAvailableCodesCompareEqual(t *testing.T) {
	reg := NewRegistry()
	a, err := reg.Decode(frame(j1939.PGNDM21, 0x00, 0xFF, 0xFF, 0, 0, 0, 0, 0, 0))
	require.NoError(t, err)
	b, err := reg.Decode(frame(j1939.PGNDM21, 0x00, 0x00, 0xFF, 0, 0, 0, 0, 0, 0))
	require.NoError(t, err)
	assert.True(t, Equal(a, b))
}

func TestClassify(t *testing.T) {
	reg := NewRegistry()

	r, err := Classify(reg, NewAcknowledgmentFrame(NACK, 0x02, j1939.ToolAddress, j1939.PGNDM5))
	require.NoError(t, err)
	ack, ok := r.(AckReply)
	require.True(t, ok)
	assert.Equal(t, NACK, ack.Ack.Kind)
	assert.True(t, ack.Ack.IsNotSupported())
	assert.Equal(t, j1939.PGNDM5, ack.Ack.RequestedPGN)
	assert.Equal(t, j1939.ToolAddress, ack.Ack.Address)
	assert.Equal(t, uint8(0x02), r.Source())

	r, err = Classify(reg, frame(j1939.PGNDM5, 0x03, 0, 0, 0x14, 0x07, 0, 0, 0, 0))
	require.NoError(t, err)
	data, ok := r.(DataReply)
	require.True(t, ok)
	assert.IsType(t, &DM5{}, data.Packet)
	assert.Equal(t, uint8(0x03), r.Source())

	r, err = Classify(reg, frame(65259, 0x03, 0x01))
	require.NoError(t, err)
	assert.IsType(t, &Raw{}, r.(DataReply).Packet)

	_, err = Classify(reg, frame(j1939.PGNAcknowledgment, 0x03, 0x07, 0, 0, 0, 0, 0, 0, 0))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestAckKindString(t *testing.T) {
	assert.Equal(t, "BUSY", Busy.String())
	assert.Equal(t, "ACCESS_DENIED", AccessDenied.String())
	assert.Equal(t, "ACK(9)", AckKind(9).String())
}
