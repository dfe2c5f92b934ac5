package bus

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

// Link - канал физических CAN кадров с расширенным идентификатором.
type Link interface {
	WriteCAN(c j1939.CANFrame) error
	ReadCAN() (j1939.CANFrame, error)
	Close() error
}

// BAMPacketGap - пауза между кадрами BAM (J1939-21: 50..200 мс).
const BAMPacketGap = 50 * time.Millisecond

var ErrDSTransportUnsupported = errors.New("bus: отправка адресных сообщений длиннее 8 байт (RTS/CTS) не поддерживается")

// TransportBus реализует Bus поверх CAN канала: собирает многопакетные
// сообщения (BAM и RTS/CTS, адресованные self) и сегментирует длинные
// глобальные сообщения через BAM.
type TransportBus struct {
	link  Link
	clock clock.Clock
	self  uint8

	wmu sync.Mutex
	asm *j1939.Assembler // только из Receive
}

// NewTransportBus создает шину для узла с адресом self.
func NewTransportBus(link Link, self uint8, clk clock.Clock) *TransportBus {
	if clk == nil {
		clk = clock.New()
	}
	return &TransportBus{
		link:  link,
		clock: clk,
		self:  self,
		asm:   j1939.NewAssembler(self),
	}
}

func (t *TransportBus) Send(f j1939.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if len(f.Data) <= 8 {
		c, err := j1939.NewCANFrame(f.Header(), f.Data)
		if err != nil {
			return err
		}
		return t.write(c)
	}
	if !f.IsGlobal() {
		return ErrDSTransportUnsupported
	}
	frames, err := j1939.SegmentBAM(f)
	if err != nil {
		return err
	}
	for i, c := range frames {
		if i > 0 {
			t.clock.Sleep(BAMPacketGap)
		}
		if err := t.write(c); err != nil {
			return fmt.Errorf("BAM кадр %d/%d: %w", i+1, len(frames), err)
		}
	}
	return nil
}

func (t *TransportBus) write(c j1939.CANFrame) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.link.WriteCAN(c)
}

// Receive возвращает очередное логическое сообщение. Ошибки сборки
// логируются и не прерывают прием: для отправителя это равносильно
// отсутствию ответа.
func (t *TransportBus) Receive() (j1939.Frame, error) {
	for {
		c, err := t.link.ReadCAN()
		if err != nil {
			return j1939.Frame{}, err
		}
		now := t.clock.Now()
		for _, e := range t.asm.Expire(now) {
			log.Printf("Сборка TP: %v", e)
		}
		f, ctrl, err := t.asm.Add(c, now)
		for _, cc := range ctrl {
			if werr := t.write(cc); werr != nil {
				log.Printf("Ошибка отправки TP.CM %s: %v", cc, werr)
			}
		}
		if err != nil {
			log.Printf("Сборка TP: %v", err)
			continue
		}
		if f != nil {
			return *f, nil
		}
	}
}

func (t *TransportBus) Close() error {
	return t.link.Close()
}
