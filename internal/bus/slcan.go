package bus

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

// Коды скорости SLCAN (команда Sn)
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

var errSLCANLine = errors.New("slcan: некорректная строка кадра")

// SLCAN - CAN адаптер с ASCII протоколом Lawicel (CANable, USBtin и др.)
// на последовательном порту.
type SLCAN struct {
	port io.ReadWriteCloser

	rmu     sync.Mutex
	buf     []byte
	scratch []byte

	mu     sync.Mutex
	closed bool
}

// OpenSLCAN открывает порт, задает скорость шины и открывает канал.
func OpenSLCAN(name string, baud, bitrate int) (*SLCAN, error) {
	code, ok := slcanBitrates[bitrate]
	if !ok {
		return nil, fmt.Errorf("slcan: неподдерживаемая скорость шины %d", bitrate)
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия порта %s: %w", name, err)
	}
	s := NewSLCAN(port)
	// закрываем канал на случай, если адаптер остался открытым
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			return nil, fmt.Errorf("slcan: команда %q: %w", cmd[:len(cmd)-1], err)
		}
	}
	return s, nil
}

// NewSLCAN работает поверх уже открытого и настроенного порта.
func NewSLCAN(port io.ReadWriteCloser) *SLCAN {
	return &SLCAN{port: port, scratch: make([]byte, 256)}
}

// WriteCAN отправляет кадр командой T: 8 hex цифр ID, длина, данные.
func (s *SLCAN) WriteCAN(c j1939.CANFrame) error {
	if len(c.Data) > 8 {
		return j1939.ErrInvalidCANLen
	}
	line := fmt.Sprintf("T%08X%d%X\r", c.ID&0x1FFFFFFF, len(c.Data), c.Data)
	_, err := s.port.Write([]byte(line))
	return err
}

// ReadCAN возвращает следующий кадр с расширенным идентификатором.
// Стандартные кадры и ответы адаптера пропускаются.
func (s *SLCAN) ReadCAN() (j1939.CANFrame, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	for {
		if i := bytes.IndexAny(s.buf, "\r\a"); i >= 0 {
			line := s.buf[:i]
			s.buf = s.buf[i+1:]
			if len(line) == 0 || line[0] != 'T' {
				continue
			}
			c, err := parseSLCAN(line)
			if err != nil {
				continue
			}
			return c, nil
		}
		if s.isClosed() {
			return j1939.CANFrame{}, ErrClosed
		}
		n, err := s.port.Read(s.scratch)
		if n > 0 {
			s.buf = append(s.buf, s.scratch[:n]...)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return j1939.CANFrame{}, err
		}
		if errors.Is(err, io.EOF) && n == 0 {
			return j1939.CANFrame{}, ErrClosed
		}
	}
}

func parseSLCAN(line []byte) (j1939.CANFrame, error) {
	if len(line) < 10 {
		return j1939.CANFrame{}, errSLCANLine
	}
	id, err := strconv.ParseUint(string(line[1:9]), 16, 32)
	if err != nil {
		return j1939.CANFrame{}, errSLCANLine
	}
	dlc := int(line[9] - '0')
	if dlc < 0 || dlc > 8 || len(line) < 10+dlc*2 {
		return j1939.CANFrame{}, errSLCANLine
	}
	data := make([]byte, dlc)
	if _, err := hex.Decode(data, line[10:10+dlc*2]); err != nil {
		return j1939.CANFrame{}, errSLCANLine
	}
	return j1939.CANFrame{ID: uint32(id), Data: data}, nil
}

func (s *SLCAN) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close закрывает канал адаптера и порт.
func (s *SLCAN) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	_, _ = s.port.Write([]byte("C\r"))
	return s.port.Close()
}
