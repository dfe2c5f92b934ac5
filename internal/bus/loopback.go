package bus

import (
	"sync"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

// Loopback - шина в памяти. Сообщение, отправленное одной точкой
// подключения, получают все остальные.
type Loopback struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*endpoint]struct{}
}

func NewLoopback() *Loopback {
	return &Loopback{endpoints: make(map[*endpoint]struct{})}
}

// Open подключает к шине новую точку.
func (b *Loopback) Open() Bus {
	ep := &endpoint{
		bus:  b,
		ch:   make(chan j1939.Frame, 256),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ep.dead = true
		close(ep.done)
		return ep
	}
	b.endpoints[ep] = struct{}{}
	return ep
}

// Close закрывает шину и все точки подключения.
func (b *Loopback) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.shutdown()
	}
	b.endpoints = nil
	return nil
}

type endpoint struct {
	bus  *Loopback
	ch   chan j1939.Frame
	mu   sync.Mutex
	dead bool
	done chan struct{}
}

func (e *endpoint) Send(f j1939.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	dead := e.dead
	e.mu.Unlock()
	if dead {
		return ErrClosed
	}

	e.bus.mu.RLock()
	if e.bus.closed {
		e.bus.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*endpoint, 0, len(e.bus.endpoints))
	for ep := range e.bus.endpoints {
		if ep != e {
			targets = append(targets, ep)
		}
	}
	e.bus.mu.RUnlock()

	f.Data = f.Bytes()
	for _, t := range targets {
		select {
		case t.ch <- f:
		case <-t.done:
		}
	}
	return nil
}

func (e *endpoint) Receive() (j1939.Frame, error) {
	select {
	case f := <-e.ch:
		return f, nil
	case <-e.done:
		return j1939.Frame{}, ErrClosed
	}
}

func (e *endpoint) Close() error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	e.shutdown()
	return nil
}

// shutdown вызывается под блокировкой шины.
func (e *endpoint) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	e.dead = true
	close(e.done)
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
}
