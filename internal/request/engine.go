// Package request выполняет глобальные и адресные (DS) запросы PGN
// с правилами повтора J1939.
package request

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/serebryakov7/j1939-obd/internal/bus"
	"github.com/serebryakov7/j1939-obd/internal/j1939"
	"github.com/serebryakov7/j1939-obd/internal/packet"
)

var (
	// ErrBusUnavailable - шина недоступна; прерывает весь прогон.
	ErrBusUnavailable = errors.New("request: шина недоступна")
	// ErrCancelled - прогон отменен пользователем.
	ErrCancelled = errors.New("request: отменено")
)

// Таймауты по умолчанию
const (
	DefaultGlobalTimeout = 1500 * time.Millisecond
	DefaultDSTimeout     = 600 * time.Millisecond
	DefaultBusyDelay     = 200 * time.Millisecond
)

const subscriptionBuffer = 512

// Transport - отправка сообщений и подписка на принятые. Реализуется bus.Mux.
type Transport interface {
	Send(f j1939.Frame) error
	Subscribe(filter bus.Filter, buffer int) (<-chan j1939.Frame, func())
}

type Options struct {
	Self          uint8 // адрес прибора
	GlobalTimeout time.Duration
	DSTimeout     time.Duration
	BusyDelay     time.Duration // пауза перед повтором после BUSY
}

// Engine выполняет запросы строго по одному: на общей шине параллельные
// запросы не позволили бы однозначно сопоставить ответы.
type Engine struct {
	tr    Transport
	reg   *packet.Registry
	clock clock.Clock
	opts  Options

	mu sync.Mutex
}

// NewEngine создает движок запросов. Нулевые поля opts заменяются значениями по умолчанию.
func NewEngine(tr Transport, reg *packet.Registry, clk clock.Clock, opts Options) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if reg == nil {
		reg = packet.NewRegistry()
	}
	if opts.GlobalTimeout <= 0 {
		opts.GlobalTimeout = DefaultGlobalTimeout
	}
	if opts.DSTimeout <= 0 {
		opts.DSTimeout = DefaultDSTimeout
	}
	if opts.BusyDelay <= 0 {
		opts.BusyDelay = DefaultBusyDelay
	}
	if opts.Self == 0 {
		opts.Self = j1939.ToolAddress
	}
	return &Engine{tr: tr, reg: reg, clock: clk, opts: opts}
}

// Registry возвращает реестр декодеров движка.
func (e *Engine) Registry() *packet.Registry {
	return e.reg
}

// RequestGlobal отправляет глобальный запрос и собирает все ответы за окно timeout.
// Повторов нет. От каждого адреса сохраняется первый пакет, остальные
// попадают в Duplicates. Пустой результат ошибкой не является.
func (e *Engine) RequestGlobal(ctx context.Context, pgn uint32, timeout time.Duration) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if timeout <= 0 {
		timeout = e.opts.GlobalTimeout
	}
	res := &Result{PGN: pgn, Global: true, Destination: j1939.Global, Attempts: 1}
	if ctx.Err() != nil {
		res.Status = Cancelled
		return res, ErrCancelled
	}

	ch, cancel := e.tr.Subscribe(e.responseFilter(pgn, nil), subscriptionBuffer)
	defer cancel()

	if err := e.tr.Send(j1939.NewRequest(pgn, e.opts.Self, j1939.Global)); err != nil {
		return res, fmt.Errorf("%w: отправка запроса PGN %d: %v", ErrBusUnavailable, pgn, err)
	}

	timer := e.clock.Timer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			res.Status = Cancelled
			return res, ErrCancelled
		case <-timer.C:
			if ctx.Err() != nil {
				res.Status = Cancelled
				return res, ErrCancelled
			}
			res.Status = Completed
			log.Printf("Глобальный запрос %s: ответили %v", e.reg.Name(pgn), res.Sources())
			return res, nil
		case f, ok := <-ch:
			if !ok {
				return res, fmt.Errorf("%w: подписка закрыта", ErrBusUnavailable)
			}
			e.collectGlobal(res, f)
		}
	}
}

func (e *Engine) collectGlobal(res *Result, f j1939.Frame) {
	reply, err := packet.Classify(e.reg, f)
	if err != nil {
		res.DecodeErrors = append(res.DecodeErrors, err)
		return
	}
	switch r := reply.(type) {
	case packet.DataReply:
		if _, dup := res.PacketFrom(r.Source()); dup {
			res.Duplicates = append(res.Duplicates, r.Packet)
			return
		}
		res.Packets = append(res.Packets, r.Packet)
	case packet.AckReply:
		if _, dup := res.AckFrom(r.Source()); dup {
			return
		}
		res.Acks = append(res.Acks, r.Ack)
	}
}

// RequestDS отправляет запрос на адрес addr.
//
// Переходы: ответ получен - завершено; таймаут или BUSY - повтор ровно один
// раз (после BUSY с паузой BusyDelay); NACK, Access Denied и ACK повторов не
// вызывают. Результат содержит не больше одного пакета или одного подтверждения.
// Повторный таймаут дает Status == TimedOut без пакетов и подтверждений.
func (e *Engine) RequestDS(ctx context.Context, pgn uint32, addr uint8, timeout time.Duration) (*Result, error) {
	if addr == j1939.Global {
		return nil, fmt.Errorf("request: адрес 0x%02X не является адресом модуля", addr)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if timeout <= 0 {
		timeout = e.opts.DSTimeout
	}
	res := &Result{PGN: pgn, Destination: addr, Requested: []uint8{addr}}

	for attempt := 1; attempt <= 2; attempt++ {
		if ctx.Err() != nil {
			res.Status = Cancelled
			return res, ErrCancelled
		}
		res.Attempts = attempt
		reply, err := e.exchange(ctx, res, pgn, addr, timeout)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				res.Status = Cancelled
			}
			return res, err
		}

		switch r := reply.(type) {
		case nil:
			if len(res.DecodeErrors) > 0 {
				// ответ пришел, но нарушает формат
				res.Status = Completed
				return res, nil
			}
			if attempt == 1 {
				log.Printf("DS запрос %s к 0x%02X: нет ответа, повтор", e.reg.Name(pgn), addr)
				continue
			}
			res.Status = TimedOut
			return res, nil
		case packet.DataReply:
			res.Packets = []packet.Packet{r.Packet}
			res.Status = Completed
			return res, nil
		case packet.AckReply:
			if r.Ack.Kind == packet.Busy && attempt == 1 {
				log.Printf("DS запрос %s к 0x%02X: BUSY, повтор через %s", e.reg.Name(pgn), addr, e.opts.BusyDelay)
				if err := e.pause(ctx, e.opts.BusyDelay); err != nil {
					res.Status = Cancelled
					return res, err
				}
				continue
			}
			res.Acks = []*packet.Acknowledgment{r.Ack}
			res.Status = Completed
			return res, nil
		}
	}
	res.Status = TimedOut
	return res, nil
}

// RequestDSEach выполняет RequestDS для каждого адреса по очереди.
// Прерывается только на ErrBusUnavailable и ErrCancelled.
func (e *Engine) RequestDSEach(ctx context.Context, pgn uint32, addrs []uint8, timeout time.Duration) ([]*Result, error) {
	out := make([]*Result, 0, len(addrs))
	for _, a := range addrs {
		res, err := e.RequestDS(ctx, pgn, a, timeout)
		if err != nil {
			if res != nil {
				out = append(out, res)
			}
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// exchange выполняет одну попытку: подписка, запрос, ожидание первого
// ответа от addr. nil без ошибки означает таймаут или ответ с ошибкой формата.
func (e *Engine) exchange(ctx context.Context, res *Result, pgn uint32, addr uint8, timeout time.Duration) (packet.Reply, error) {
	ch, cancel := e.tr.Subscribe(e.responseFilter(pgn, &addr), subscriptionBuffer)
	defer cancel()

	if err := e.tr.Send(j1939.NewRequest(pgn, e.opts.Self, addr)); err != nil {
		return nil, fmt.Errorf("%w: отправка запроса PGN %d на 0x%02X: %v", ErrBusUnavailable, pgn, addr, err)
	}

	timer := e.clock.Timer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-timer.C:
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			return nil, nil
		case f, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("%w: подписка закрыта", ErrBusUnavailable)
			}
			reply, err := packet.Classify(e.reg, f)
			if err != nil {
				res.DecodeErrors = append(res.DecodeErrors, err)
				return nil, nil
			}
			return reply, nil
		}
	}
}

// responseFilter пропускает ответы на запрос pgn: данные этого PGN и
// Acknowledgment с этим PGN, адресованные прибору или всем. Подтверждение
// рассылается всем, поэтому адрес подтверждаемого (байт 4) должен быть
// адресом прибора; 0xFF допускается для модулей, не заполняющих этот байт.
func (e *Engine) responseFilter(pgn uint32, from *uint8) bus.Filter {
	f := bus.And(bus.ToAddress(e.opts.Self), func(f j1939.Frame) bool {
		if f.PGN == pgn {
			return true
		}
		if f.PGN != j1939.PGNAcknowledgment || len(f.Data) < 8 {
			return false
		}
		if f.Data[4] != e.opts.Self && f.Data[4] != j1939.Global {
			return false
		}
		requested := uint32(f.Data[5]) | uint32(f.Data[6])<<8 | uint32(f.Data[7])<<16
		return requested == pgn
	})
	if from != nil {
		f = bus.And(f, bus.FromSource(*from))
	}
	return f
}

// pause ждет d с учетом отмены.
func (e *Engine) pause(ctx context.Context, d time.Duration) error {
	t := e.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ErrCancelled
	case <-t.C:
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return nil
	}
}

// PauseFor - пауза для шагов проверки с учетом отмены.
func (e *Engine) PauseFor(ctx context.Context, d time.Duration) error {
	return e.pause(ctx, d)
}
