// Package sim моделирует модули автомобиля на шине в памяти.
// Используется в демонстрационном режиме прибора.
package sim

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/serebryakov7/j1939-obd/internal/bus"
	"github.com/serebryakov7/j1939-obd/internal/j1939"
	"github.com/serebryakov7/j1939-obd/internal/packet"
)

// ECU - модель одного модуля.
type ECU struct {
	Address uint8
	// Responses - ответы на запросы; на запрос PGN без ответа модуль шлет NACK.
	Responses map[uint32][]byte
	// Silent - PGN, на запросы которых модуль не отвечает вовсе.
	Silent map[uint32]bool
	// Broadcast - периодически передаваемые PGN; данные берутся из Responses.
	Broadcast map[uint32]time.Duration
}

// Vehicle - набор модулей, подключенных к шине.
type Vehicle struct {
	lb    *bus.Loopback
	clock clock.Clock
	ecus  []ECU

	stop chan struct{}
	wg   sync.WaitGroup
	eps  []bus.Bus
}

func NewVehicle(lb *bus.Loopback, clk clock.Clock, ecus ...ECU) *Vehicle {
	if clk == nil {
		clk = clock.New()
	}
	return &Vehicle{lb: lb, clock: clk, ecus: ecus, stop: make(chan struct{})}
}

// Start подключает модули к шине.
func (v *Vehicle) Start() {
	for _, e := range v.ecus {
		ep := v.lb.Open()
		v.eps = append(v.eps, ep)
		v.wg.Add(1)
		go v.respond(e, ep)
		for pgn, period := range e.Broadcast {
			v.wg.Add(1)
			go v.broadcast(e, ep, pgn, period)
		}
	}
	log.Printf("Модель автомобиля: подключено модулей %d", len(v.ecus))
}

// Stop отключает модули и ждет завершения их горутин.
func (v *Vehicle) Stop() {
	close(v.stop)
	for _, ep := range v.eps {
		ep.Close()
	}
	v.wg.Wait()
}

func (v *Vehicle) respond(e ECU, ep bus.Bus) {
	defer v.wg.Done()
	for {
		f, err := ep.Receive()
		if err != nil {
			return
		}
		if f.PGN != j1939.PGNRequest || (f.Destination != e.Address && f.Destination != j1939.Global) {
			continue
		}
		pgn, ok := j1939.RequestedPGN(f.Data)
		if !ok || e.Silent[pgn] {
			continue
		}
		reply := packet.NewAcknowledgmentFrame(packet.NACK, e.Address, f.Source, pgn)
		if data, ok := e.Responses[pgn]; ok {
			dest := j1939.Global
			if f.Destination != j1939.Global && j1939.IsPDU1(pgn) {
				dest = f.Source
			}
			reply = j1939.Frame{Priority: 6, PGN: pgn, Source: e.Address, Destination: dest, Data: data}
		} else if f.Destination == j1939.Global {
			// на глобальный запрос неподдерживаемого PGN модуль молчит
			continue
		}
		if err := ep.Send(reply); err != nil {
			return
		}
	}
}

func (v *Vehicle) broadcast(e ECU, ep bus.Bus, pgn uint32, period time.Duration) {
	defer v.wg.Done()
	data, ok := e.Responses[pgn]
	if !ok {
		return
	}
	t := v.clock.Ticker(period)
	defer t.Stop()
	for {
		select {
		case <-v.stop:
			return
		case <-t.C:
			f := j1939.Frame{Priority: 6, PGN: pgn, Source: e.Address, Destination: j1939.Global, Data: data}
			if err := ep.Send(f); err != nil {
				return
			}
		}
	}
}

// DemoECUs - демонстрационный автомобиль: два OBD модуля и кузовной модуль без OBD.
func DemoECUs() []ECU {
	dm1 := []byte{0x00, 0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF}
	return []ECU{
		{
			Address: 0x00,
			Responses: map[uint32][]byte{
				j1939.PGNDM5:  {0x00, 0x00, 0x14, 0x07, 0x01, 0x00, 0x00, 0x00},
				j1939.PGNDM21: {0x00, 0x00, 0x2C, 0x01, 0x00, 0x00, 0x5A, 0x00},
				j1939.PGNDM26: {0x58, 0x02, 0x03, 0x07, 0x01, 0x00, 0x00, 0x00},
				j1939.PGNDM1:  dm1,
			},
			Broadcast: map[uint32]time.Duration{j1939.PGNDM1: time.Second},
		},
		{
			Address: 0x03,
			Responses: map[uint32][]byte{
				j1939.PGNDM5:  {0x00, 0x00, 0x14, 0x03, 0x00, 0x00, 0x00, 0x00},
				j1939.PGNDM21: {0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x3C, 0x00},
				j1939.PGNDM26: {0x58, 0x02, 0x03, 0x03, 0x00, 0x00, 0x00, 0x00},
				j1939.PGNDM1:  dm1,
			},
			Broadcast: map[uint32]time.Duration{j1939.PGNDM1: time.Second},
		},
		{
			Address:   0x21,
			Responses: map[uint32][]byte{j1939.PGNDM5: {0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00}},
		},
	}
}
