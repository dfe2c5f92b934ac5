package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/serebryakov7/j1939-obd/internal/bus"
	"github.com/serebryakov7/j1939-obd/internal/config"
	"github.com/serebryakov7/j1939-obd/internal/runner"
	"github.com/serebryakov7/j1939-obd/internal/sim"
)

// openBus подключается к шине указанным в настройках способом.
// Возвращаемая функция освобождает то, что не закрывается вместе с шиной.
func openBus(cfg config.Config, clk clock.Clock) (bus.Bus, func(), error) {
	switch cfg.Transport {
	case config.TransportSocket:
		s, err := bus.OpenSocket(cfg.Interface, cfg.Self)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case config.TransportSLCAN:
		link, err := bus.OpenSLCAN(cfg.Interface, cfg.Baud, cfg.Bitrate)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Адаптер SLCAN открыт: %s, %d бит/с", cfg.Interface, cfg.Bitrate)
		return bus.NewTransportBus(link, cfg.Self, clk), func() {}, nil
	case config.TransportLoopback:
		lb := bus.NewLoopback()
		v := sim.NewVehicle(lb, clk, sim.DemoECUs()...)
		v.Start()
		log.Println("Демонстрационный режим: шина в памяти с моделью автомобиля")
		return lb.Open(), func() {
			v.Stop()
			lb.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("неизвестный вид подключения %q", cfg.Transport)
	}
}

// selectSteps возвращает встроенные шаги по идентификаторам.
func selectSteps(ids []string) ([]runner.Step, error) {
	if len(ids) == 0 {
		return runner.DefaultSteps(), nil
	}
	out := make([]runner.Step, 0, len(ids))
	for _, id := range ids {
		s, ok := runner.StepByID(id)
		if !ok {
			return nil, fmt.Errorf("неизвестный шаг %q", id)
		}
		out = append(out, s)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
