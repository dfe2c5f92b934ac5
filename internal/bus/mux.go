package bus

import (
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

// Mux раздает сообщения одной шины любому числу подписчиков.
//
// Mux владеет приемом: единственная горутина читает Receive и рассылает
// сообщения подписчикам по фильтрам. Сообщения без отметки времени
// получают время приема по часам Mux. Отправка идет напрямую в шину.
type Mux struct {
	bus   Bus
	clock clock.Clock
	stop  chan struct{}
	done  chan struct{}

	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	next    uint64
	err     error
	stopped bool
}

type subscriber struct {
	filter Filter
	ch     chan j1939.Frame
}

// NewMux создает и запускает разветвитель для шины b.
func NewMux(b Bus, clk clock.Clock) *Mux {
	if clk == nil {
		clk = clock.New()
	}
	m := &Mux{
		bus:   b,
		clock: clk,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		subs:  make(map[uint64]*subscriber),
	}
	go m.run()
	return m
}

// Send отправляет сообщение в шину.
func (m *Mux) Send(f j1939.Frame) error {
	select {
	case <-m.done:
		return m.Err()
	default:
	}
	return m.bus.Send(f)
}

// Subscribe регистрирует подписчика. Канал закрывается вызовом cancel
// или при остановке приема; после остановки подписка сразу закрыта.
func (m *Mux) Subscribe(filter Filter, buffer int) (<-chan j1939.Frame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{filter: filter, ch: make(chan j1939.Frame, buffer)}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := m.next
	m.next++
	m.subs[id] = s
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.subs[id]; ok && cur == s {
			close(cur.ch)
			delete(m.subs, id)
		}
	}
	return s.ch, cancel
}

// Done закрывается, когда прием остановлен.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err возвращает причину остановки приема.
func (m *Mux) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Close останавливает прием и закрывает шину.
func (m *Mux) Close() error {
	select {
	case <-m.stop:
		return nil
	default:
	}
	close(m.stop)
	err := m.bus.Close()
	<-m.done
	return err
}

func (m *Mux) run() {
	defer close(m.done)
	for {
		f, err := m.bus.Receive()
		if err != nil {
			select {
			case <-m.stop:
				err = ErrClosed
			default:
			}
			m.shutdown(err)
			return
		}
		if f.Timestamp.IsZero() {
			f.Timestamp = m.clock.Now()
		}
		m.mu.RLock()
		for _, s := range m.subs {
			if s.filter == nil || s.filter(f) {
				select {
				case s.ch <- f:
				default:
					// медленный подписчик теряет сообщение
				}
			}
		}
		m.mu.RUnlock()
	}
}

func (m *Mux) shutdown(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.stopped = true
	for id, s := range m.subs {
		close(s.ch)
		delete(m.subs, id)
	}
}
