package bus

import (
	"log"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

// LogOption выбирает, какие операции логировать.
type LogOption uint8

const (
	LogNone  LogOption = 0
	LogRead  LogOption = 1 << iota
	LogWrite
	LogAll = LogRead | LogWrite
)

type loggedBus struct {
	inner  Bus
	logger *log.Logger
	opts   LogOption
	filter Filter
}

// NewLoggedBus оборачивает шину и пишет трафик в logger (nil - стандартный логгер).
// Если filter не nil, логируются только подходящие сообщения.
func NewLoggedBus(inner Bus, logger *log.Logger, opts LogOption, filter Filter) Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &loggedBus{inner: inner, logger: logger, opts: opts, filter: filter}
}

func (l *loggedBus) match(f j1939.Frame) bool {
	return l.filter == nil || l.filter(f)
}

func (l *loggedBus) Send(f j1939.Frame) error {
	err := l.inner.Send(f)
	if l.opts&LogWrite != 0 && l.match(f) {
		if err != nil {
			l.logger.Printf("TX %s: ошибка %v", f, err)
		} else {
			l.logger.Printf("TX %s", f)
		}
	}
	return err
}

func (l *loggedBus) Receive() (j1939.Frame, error) {
	f, err := l.inner.Receive()
	if err != nil {
		if l.opts&LogRead != 0 {
			l.logger.Printf("RX: ошибка %v", err)
		}
		return f, err
	}
	if l.opts&LogRead != 0 && l.match(f) {
		l.logger.Printf("RX %s", f)
	}
	return f, nil
}

func (l *loggedBus) Close() error {
	return l.inner.Close()
}
