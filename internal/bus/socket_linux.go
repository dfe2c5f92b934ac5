//go:build linux

package bus

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

// Константы CAN_J1939 из linux/can/j1939.h
const (
	solCANJ1939      = 0x6b // SOL_CAN_BASE + CAN_J1939
	soJ1939Promisc   = 2
	scmJ1939DestAddr = 1
	scmJ1939Prio     = 3
	j1939NoPGN       = 0x40000
)

// Socket - шина поверх сокета CAN_J1939 ядра. Транспортный протокол
// (BAM и RTS/CTS) выполняет ядро, поэтому сообщения приходят собранными.
type Socket struct {
	fd      int
	ifindex int
	self    uint8

	mu     sync.Mutex
	closed bool
}

// OpenSocket привязывает сокет J1939 к интерфейсу canInterface с адресом self
// и включает прием всех сообщений шины.
func OpenSocket(canInterface string, self uint8) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_DGRAM, unix.CAN_J1939)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать сокет J1939: %w", err)
	}

	iface, err := net.InterfaceByName(canInterface)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("InterfaceByName %q: %w", canInterface, err)
	}

	// прием всех PGN и всех адресов назначения, в том числе чужих
	if err := unix.SetsockoptInt(fd, solCANJ1939, soJ1939Promisc, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_J1939_PROMISC: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_BROADCAST: %w", err)
	}
	// таймаут чтения, чтобы Receive замечал закрытие
	tv := unix.Timeval{Usec: 200000}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_RCVTIMEO: %w", err)
	}

	sa := &unix.SockaddrCANJ1939{
		Ifindex: iface.Index,
		Name:    0, // J1939_NO_NAME
		PGN:     j1939NoPGN,
		Addr:    self,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("не удалось привязать сокет J1939: %w", err)
	}
	log.Printf("Сокет J1939 привязан: SA 0x%02X на интерфейсе %s (ifindex %d)", self, canInterface, iface.Index)

	return &Socket{fd: fd, ifindex: iface.Index, self: self}, nil
}

func (s *Socket) Send(f j1939.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	dst := &unix.SockaddrCANJ1939{
		Ifindex: s.ifindex,
		Name:    0,
		PGN:     f.PGN,
		Addr:    f.Destination,
	}
	if err := unix.Sendto(s.fd, f.Data, 0, dst); err != nil {
		return fmt.Errorf("ошибка отправки PGN 0x%X на DA 0x%02X: %w", f.PGN, f.Destination, err)
	}
	return nil
}

func (s *Socket) Receive() (j1939.Frame, error) {
	buf := make([]byte, j1939.MaxPayload)
	oob := make([]byte, unix.CmsgSpace(1)*4)
	for {
		if s.isClosed() {
			return j1939.Frame{}, ErrClosed
		}
		n, oobn, _, from, err := unix.Recvmsg(s.fd, buf, oob, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EBADF) || s.isClosed() {
				return j1939.Frame{}, ErrClosed
			}
			return j1939.Frame{}, fmt.Errorf("ошибка чтения из сокета J1939: %w", err)
		}
		src, ok := from.(*unix.SockaddrCANJ1939)
		if !ok {
			log.Printf("Получено сообщение от неизвестного типа адреса: %T", from)
			continue
		}
		f := j1939.Frame{
			Priority:    j1939.DefaultPriority,
			PGN:         src.PGN,
			Source:      src.Addr,
			Destination: j1939.Global,
			Data:        append([]byte(nil), buf[:n]...),
		}
		parseJ1939Cmsg(oob[:oobn], &f)
		return f, nil
	}
}

// parseJ1939Cmsg извлекает адрес назначения и приоритет из служебных данных.
func parseJ1939Cmsg(oob []byte, f *j1939.Frame) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for _, m := range msgs {
		if m.Header.Level != solCANJ1939 || len(m.Data) == 0 {
			continue
		}
		switch m.Header.Type {
		case scmJ1939DestAddr:
			f.Destination = m.Data[0]
		case scmJ1939Prio:
			f.Priority = m.Data[0] & 0x7
		}
	}
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	log.Printf("Закрытие J1939 сокета (fd %d)...", s.fd)
	return unix.Close(s.fd)
}
