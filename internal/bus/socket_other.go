//go:build !linux

package bus

import (
	"errors"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

var errNoSocket = errors.New("bus: сокет CAN_J1939 доступен только в Linux")

// Socket недоступен вне Linux.
type Socket struct{}

func OpenSocket(canInterface string, self uint8) (*Socket, error) {
	return nil, errNoSocket
}

func (s *Socket) Send(j1939.Frame) error        { return errNoSocket }
func (s *Socket) Receive() (j1939.Frame, error) { return j1939.Frame{}, errNoSocket }
func (s *Socket) Close() error                  { return nil }
