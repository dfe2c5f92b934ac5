// Package bus содержит абстракцию шины J1939 и ее реализации:
// loopback для тестов и симуляции, разветвитель Mux, декоратор с логированием,
// адаптер транспортного протокола поверх CAN и сокет CAN_J1939 ядра Linux.
package bus

import (
	"errors"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

var ErrClosed = errors.New("bus: шина закрыта")

// Bus - дуплексный канал логических сообщений J1939.
// Receive блокируется до прихода сообщения или закрытия шины.
type Bus interface {
	Send(f j1939.Frame) error
	Receive() (j1939.Frame, error)
	Close() error
}
