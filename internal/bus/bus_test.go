package bus

import (
	"bytes"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

func dm1(sa uint8) j1939.Frame {
	return j1939.Frame{Priority: 6, PGN: j1939.PGNDM1, Source: sa, Destination: j1939.Global,
		Data: []byte{0x00, 0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF}}
}

func recv(t *testing.T, ch <-chan j1939.Frame) j1939.Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		require.True(t, ok, "канал закрыт")
		return f
	case <-time.After(time.Second):
		t.Fatal("нет сообщения")
		return j1939.Frame{}
	}
}

func TestLoopback_DeliversToOthers(t *testing.T) {
	lb := NewLoopback()
	defer lb.Close()
	a, b, c := lb.Open(), lb.Open(), lb.Open()

	require.NoError(t, a.Send(dm1(0x00)))

	for _, ep := range []Bus{b, c} {
		f, err := ep.Receive()
		require.NoError(t, err)
		assert.Equal(t, j1939.PGNDM1, f.PGN)
	}

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Send(dm1(0x01)), ErrClosed)
	_, err := b.Receive()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoopback_RejectsOversize(t *testing.T) {
	lb := NewLoopback()
	defer lb.Close()
	f := dm1(0)
	f.Data = make([]byte, j1939.MaxPayload+1)
	assert.ErrorIs(t, lb.Open().Send(f), j1939.ErrPayloadTooLong)
}

func TestLoopback_ClosedBus(t *testing.T) {
	lb := NewLoopback()
	ep := lb.Open()
	require.NoError(t, lb.Close())
	_, err := ep.Receive()
	assert.ErrorIs(t, err, ErrClosed)

	late := lb.Open()
	assert.ErrorIs(t, late.Send(dm1(0)), ErrClosed)
}

func TestMux_FiltersAndTimestamps(t *testing.T) {
	lb := NewLoopback()
	ecu := lb.Open()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	m := NewMux(lb.Open(), mock)
	defer m.Close()

	dm1s, cancel := m.Subscribe(And(ByPGN(j1939.PGNDM1), FromSource(0x03)), 8)
	defer cancel()
	all, cancelAll := m.Subscribe(nil, 8)
	defer cancelAll()

	require.NoError(t, ecu.Send(dm1(0x00)))
	require.NoError(t, ecu.Send(dm1(0x03)))

	f := recv(t, dm1s)
	assert.Equal(t, uint8(0x03), f.Source)
	assert.Equal(t, mock.Now(), f.Timestamp)

	assert.Equal(t, uint8(0x00), recv(t, all).Source)
	assert.Equal(t, uint8(0x03), recv(t, all).Source)
}

func TestMux_KeepsExistingTimestamp(t *testing.T) {
	lb := NewLoopback()
	ecu := lb.Open()
	m := NewMux(lb.Open(), clock.NewMock())
	defer m.Close()
	ch, cancel := m.Subscribe(nil, 1)
	defer cancel()

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f := dm1(0)
	f.Timestamp = at
	require.NoError(t, ecu.Send(f))
	assert.Equal(t, at, recv(t, ch).Timestamp)
}

func TestMux_ClosesSubscribersOnBusFailure(t *testing.T) {
	lb := NewLoopback()
	m := NewMux(lb.Open(), nil)
	ch, cancel := m.Subscribe(nil, 1)
	defer cancel()

	require.NoError(t, lb.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("подписка не закрыта")
	}
	<-m.Done()
	assert.ErrorIs(t, m.Err(), ErrClosed)

	late, _ := m.Subscribe(nil, 1)
	_, ok := <-late
	assert.False(t, ok)
	assert.Error(t, m.Send(dm1(0)))
}

func TestMux_CancelClosesChannel(t *testing.T) {
	lb := NewLoopback()
	m := NewMux(lb.Open(), nil)
	defer m.Close()
	ch, cancel := m.Subscribe(nil, 1)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestFilters(t *testing.T) {
	f := dm1(0x03)
	f.Destination = 0xF9
	assert.True(t, ToAddress(0xF9)(f))
	assert.False(t, ToAddress(0x10)(f))
	f.Destination = j1939.Global
	assert.True(t, ToAddress(0x10)(f))

	assert.True(t, Or(FromSource(1), FromSource(3))(f))
	assert.False(t, Not(FromSource(3))(f))
	assert.False(t, Not(nil)(f))
	assert.True(t, And(nil, ByPGN(j1939.PGNDM1, j1939.PGNDM2))(f))
}

func TestLoggedBus(t *testing.T) {
	lb := NewLoopback()
	defer lb.Close()
	var out bytes.Buffer
	logger := log.New(&out, "", 0)
	a := NewLoggedBus(lb.Open(), logger, LogWrite, nil)
	b := NewLoggedBus(lb.Open(), logger, LogRead, FromSource(0x07))

	require.NoError(t, a.Send(dm1(0x00)))
	_, err := b.Receive()
	require.NoError(t, err)

	s := out.String()
	assert.Contains(t, s, "TX ")
	assert.NotContains(t, s, "RX ", "фильтр источника не пропускает SA 0x00")
}

// pipeLink - CAN канал в памяти для проверки TransportBus.
type pipeLink struct {
	in   chan j1939.CANFrame
	mu   sync.Mutex
	out  []j1939.CANFrame
	once sync.Once
	done chan struct{}
}

func newPipeLink() *pipeLink {
	return &pipeLink{in: make(chan j1939.CANFrame, 64), done: make(chan struct{})}
}

func (p *pipeLink) WriteCAN(c j1939.CANFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, c)
	return nil
}

func (p *pipeLink) ReadCAN() (j1939.CANFrame, error) {
	select {
	case c := <-p.in:
		return c, nil
	case <-p.done:
		return j1939.CANFrame{}, ErrClosed
	}
}

func (p *pipeLink) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeLink) written() []j1939.CANFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]j1939.CANFrame(nil), p.out...)
}

func TestTransportBus_ReceivesBAM(t *testing.T) {
	link := newPipeLink()
	tb := NewTransportBus(link, j1939.ToolAddress, clock.NewMock())
	defer tb.Close()

	payload := make([]byte, 18)
	for i := range payload {
		payload[i] = byte(i)
	}
	frames, err := j1939.SegmentBAM(j1939.Frame{Priority: 6, PGN: j1939.PGNDM1, Source: 0x00, Destination: j1939.Global, Data: payload})
	require.NoError(t, err)
	for _, c := range frames {
		link.in <- c
	}

	f, err := tb.Receive()
	require.NoError(t, err)
	assert.Equal(t, j1939.PGNDM1, f.PGN)
	assert.Equal(t, payload, f.Data)
	assert.Empty(t, link.written(), "на BAM ответ не отправляется")
}

func TestTransportBus_AnswersRTS(t *testing.T) {
	link := newPipeLink()
	tb := NewTransportBus(link, j1939.ToolAddress, clock.NewMock())
	defer tb.Close()

	pgn := j1939.PGNDM20
	rts, err := j1939.NewCANFrame(
		j1939.Header{Priority: 7, PGN: j1939.PGNTransportCM, Source: 0x00, Destination: j1939.ToolAddress},
		[]byte{16, 11, 0, 2, 0xFF, byte(pgn), byte(pgn >> 8), byte(pgn >> 16)})
	require.NoError(t, err)
	dtHeader := j1939.Header{Priority: 7, PGN: j1939.PGNTransportDT, Source: 0x00, Destination: j1939.ToolAddress}
	dt1, _ := j1939.NewCANFrame(dtHeader, []byte{1, 0x10, 0x00, 0x08, 0x00, 0xCA, 0x14, 0x00})
	dt2, _ := j1939.NewCANFrame(dtHeader, []byte{2, 0x03, 0x00, 0x05, 0x00, 0xFF, 0xFF, 0xFF})
	link.in <- rts
	link.in <- dt1
	link.in <- dt2

	f, err := tb.Receive()
	require.NoError(t, err)
	assert.Equal(t, pgn, f.PGN)
	assert.Equal(t, j1939.ToolAddress, f.Destination)
	assert.Len(t, f.Data, 11)

	out := link.written()
	require.Len(t, out, 2)
	assert.Equal(t, byte(17), out[0].Data[0], "CTS")
	assert.Equal(t, byte(19), out[1].Data[0], "EOMA")
	assert.Equal(t, uint8(0x00), out[0].Header().Destination)
}

func TestTransportBus_Send(t *testing.T) {
	link := newPipeLink()
	tb := NewTransportBus(link, j1939.ToolAddress, clock.New())
	defer tb.Close()

	require.NoError(t, tb.Send(j1939.NewRequest(j1939.PGNDM5, j1939.ToolAddress, j1939.Global)))
	out := link.written()
	require.Len(t, out, 1)
	assert.Equal(t, uint32(0x18EAFFF9), out[0].ID)
	assert.Equal(t, []byte{0xCE, 0xFE, 0x00}, out[0].Data)

	long := j1939.Frame{Priority: 6, PGN: j1939.PGNDM1, Source: j1939.ToolAddress, Destination: j1939.Global, Data: make([]byte, 10)}
	require.NoError(t, tb.Send(long))
	assert.Len(t, link.written(), 4) // запрос + BAM + 2 TP.DT

	long.Destination = 0x00
	assert.ErrorIs(t, tb.Send(long), ErrDSTransportUnsupported)
}

// fakePort - последовательный порт в памяти.
type fakePort struct {
	r io.Reader
	w bytes.Buffer
}

func (p *fakePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *fakePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *fakePort) Close() error                { return nil }

func TestSLCAN_ReadWrite(t *testing.T) {
	port := &fakePort{r: strings.NewReader("\r\at1230\rT18FECA0080040FF00000000FF\rT18EAFFF93CEFE00\rzzz")}
	s := NewSLCAN(port)

	c, err := s.ReadCAN()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x18FECA00), c.ID)
	assert.Equal(t, []byte{0x00, 0x40, 0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF}, c.Data)

	c, err = s.ReadCAN()
	require.NoError(t, err)
	assert.Equal(t, j1939.PGNRequest, c.Header().PGN)
	assert.Equal(t, []byte{0xCE, 0xFE, 0x00}, c.Data)

	_, err = s.ReadCAN()
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, s.WriteCAN(j1939.CANFrame{ID: 0x18EA00F9, Data: []byte{0xCE, 0xFE, 0x00}}))
	assert.Equal(t, "T18EA00F93CEFE00\r", port.w.String())
}

func TestParseSLCAN_Invalid(t *testing.T) {
	for _, line := range []string{"T123", "T18FECA009", "T18FECA002AA", "TXXXXXXXX0"} {
		_, err := parseSLCAN([]byte(line))
		assert.Error(t, err, line)
	}
}
