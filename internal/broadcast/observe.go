// Package broadcast пассивно наблюдает за шиной и проверяет периоды
// передачи широковещательных PGN.
package broadcast

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/serebryakov7/j1939-obd/internal/bus"
	"github.com/serebryakov7/j1939-obd/internal/j1939"
	"github.com/serebryakov7/j1939-obd/internal/packet"
)

// DefaultMinSamples - минимум сообщений от каждой пары (PGN, адрес).
const DefaultMinSamples = 3

var ErrBusUnavailable = errors.New("broadcast: шина недоступна")

// Key - пара (PGN, адрес источника).
type Key struct {
	PGN    uint32
	Source uint8
}

// Sample - одно принятое широковещательное сообщение.
type Sample struct {
	PGN        uint32
	Source     uint8
	ReceivedAt time.Time
	Packet     packet.Packet
}

func (s Sample) Key() Key {
	return Key{PGN: s.PGN, Source: s.Source}
}

// Source - поток принятых сообщений. Реализуется bus.Mux.
type Source interface {
	Subscribe(filter bus.Filter, buffer int) (<-chan j1939.Frame, func())
}

// Options задает окно наблюдения.
type Options struct {
	Duration   time.Duration
	PGNs       []uint32 // наблюдаемые PGN; пусто - все PGN таблицы
	Table      Table
	MinSamples int
}

// Ceiling - предельная длительность наблюдения:
// max(Duration, 4 * наибольший период наблюдаемых PGN).
func (o Options) Ceiling() time.Duration {
	return max(o.Duration, 4*o.Table.Longest(o.pgns()...))
}

func (o Options) pgns() []uint32 {
	if len(o.PGNs) > 0 {
		return o.PGNs
	}
	return o.Table.PGNs()
}

// Observer - пассивный подписчик шины.
type Observer struct {
	src   Source
	reg   *packet.Registry
	clock clock.Clock
}

func NewObserver(src Source, reg *packet.Registry, clk clock.Clock) *Observer {
	if clk == nil {
		clk = clock.New()
	}
	if reg == nil {
		reg = packet.NewRegistry()
	}
	return &Observer{src: src, reg: reg, clock: clk}
}

// Observe собирает сообщения, пока не истечет Duration и от каждой замеченной
// пары (PGN, адрес) не придет MinSamples сообщений, но не дольше Ceiling.
// При отмене возвращаются собранные образцы и ctx.Err().
func (o *Observer) Observe(ctx context.Context, opts Options) ([]Sample, error) {
	var out []Sample
	err := o.run(ctx, opts, func(s Sample) bool {
		out = append(out, s)
		return true
	})
	return out, err
}

// Stream - ленивый однопроходный вариант Observe. Канал закрывается по
// окончании окна, при отмене ctx или при остановке шины. Если получатель
// перестал читать, наблюдение все равно завершается по Ceiling.
func (o *Observer) Stream(ctx context.Context, opts Options) <-chan packet.Packet {
	out := make(chan packet.Packet)
	deadline := o.clock.Timer(opts.Ceiling())
	go func() {
		defer close(out)
		defer deadline.Stop()
		err := o.run(ctx, opts, func(s Sample) bool {
			select {
			case out <- s.Packet:
				return true
			case <-ctx.Done():
				return false
			case <-deadline.C:
				return false
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Наблюдение за шиной прервано: %v", err)
		}
	}()
	return out
}

func (o *Observer) run(ctx context.Context, opts Options, emit func(Sample) bool) error {
	if opts.MinSamples <= 0 {
		opts.MinSamples = DefaultMinSamples
	}
	pgns := opts.pgns()
	var filter bus.Filter
	if len(pgns) > 0 {
		filter = bus.ByPGN(pgns...)
	}
	ch, cancel := o.src.Subscribe(filter, 1024)
	defer cancel()

	window := o.clock.Timer(opts.Duration)
	defer window.Stop()
	ceiling := o.clock.Timer(opts.Ceiling())
	defer ceiling.Stop()

	counts := make(map[Key]int)
	elapsed := false
	satisfied := func() bool {
		for _, n := range counts {
			if n < opts.MinSamples {
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ceiling.C:
			if !satisfied() {
				log.Printf("Наблюдение за шиной: достигнут предел %s, образцов недостаточно", opts.Ceiling())
			}
			return nil
		case <-window.C:
			elapsed = true
			if satisfied() {
				return nil
			}
		case f, ok := <-ch:
			if !ok {
				return ErrBusUnavailable
			}
			p, err := o.reg.DecodeOrRaw(f)
			if err != nil {
				log.Printf("Наблюдение за шиной: %v", err)
				continue
			}
			s := Sample{PGN: f.PGN, Source: f.Source, ReceivedAt: f.Timestamp, Packet: p}
			counts[s.Key()]++
			if !emit(s) {
				return ctx.Err()
			}
			if elapsed && satisfied() {
				return nil
			}
		}
	}
}
