package j1939

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Управляющие байты TP.CM (J1939-21)
const (
	cmRTS   byte = 16
	cmCTS   byte = 17
	cmEOMA  byte = 19
	cmBAM   byte = 32
	cmAbort byte = 255

	segmentSize = 7
	maxPackets  = 255
)

// SessionTimeout - максимальная пауза между сегментами одной передачи (T2/T3).
const SessionTimeout = 1250 * time.Millisecond

var (
	ErrIncomplete  = errors.New("j1939: передача не завершена, отсутствуют сегменты")
	ErrAborted     = errors.New("j1939: передача прервана (TP.CM Abort)")
	ErrNoAnnounce  = errors.New("j1939: нет кадра BAM/RTS для сборки")
	ErrMalformedTP = errors.New("j1939: некорректный кадр транспортного протокола")
)

// ReassemblyError описывает неудачную сборку многопакетного сообщения.
type ReassemblyError struct {
	Source uint8
	PGN    uint32
	Reason byte // причина Abort, если есть
	Err    error
}

func (e *ReassemblyError) Error() string {
	if errors.Is(e.Err, ErrAborted) {
		return fmt.Sprintf("j1939: сборка PGN %d от SA 0x%02X: %v, причина %d", e.PGN, e.Source, e.Err, e.Reason)
	}
	return fmt.Sprintf("j1939: сборка PGN %d от SA 0x%02X: %v", e.PGN, e.Source, e.Err)
}

func (e *ReassemblyError) Unwrap() error { return e.Err }

// announce - параметры передачи из BAM или RTS.
type announce struct {
	header  Header // PGN передаваемого сообщения, адреса сессии
	size    int
	packets int
	perCTS  int // пакетов на один CTS, не больше разрешенного отправителем
	bam     bool
}

func parseAnnounce(h Header, data []byte) (announce, error) {
	if len(data) < 8 {
		return announce{}, ErrMalformedTP
	}
	a := announce{
		size:    int(data[1]) | int(data[2])<<8,
		packets: int(data[3]),
		perCTS:  int(data[4]),
		bam:     data[0] == cmBAM,
		header: Header{
			Priority:    h.Priority,
			PGN:         uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16,
			Source:      h.Source,
			Destination: h.Destination,
		},
	}
	if a.size <= 8 || a.size > MaxPayload || a.packets == 0 || a.packets*segmentSize < a.size {
		return announce{}, ErrMalformedTP
	}
	// 0xFF - без ограничения; в BAM байт зарезервирован
	if a.bam || a.perCTS == 0 || a.perCTS == 0xFF || a.perCTS > a.packets {
		a.perCTS = a.packets
	}
	return a, nil
}

func cmPGN(data []byte) uint32 {
	if len(data) < 8 {
		return 0
	}
	return uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16
}

// build склеивает сегменты 1..packets и обрезает до объявленного размера.
func (a announce) build(segs map[uint8][]byte) (Frame, error) {
	buf := make([]byte, 0, a.packets*segmentSize)
	for seq := 1; seq <= a.packets; seq++ {
		seg, ok := segs[uint8(seq)]
		if !ok {
			return Frame{}, &ReassemblyError{Source: a.header.Source, PGN: a.header.PGN, Err: ErrIncomplete}
		}
		buf = append(buf, seg...)
	}
	if len(buf) < a.size {
		return Frame{}, &ReassemblyError{Source: a.header.Source, PGN: a.header.PGN, Err: ErrIncomplete}
	}
	return Frame{
		Priority:    a.header.Priority,
		PGN:         a.header.PGN,
		Source:      a.header.Source,
		Destination: a.header.Destination,
		Data:        buf[:a.size],
	}, nil
}

// Reassemble собирает одно логическое сообщение из набора физических кадров.
// Одиночный кадр вне транспортного протокола возвращается как есть.
// Сегменты TP.DT могут идти в любом порядке.
func Reassemble(frames []CANFrame) (Frame, error) {
	if len(frames) == 1 {
		h := frames[0].Header()
		if h.PGN != PGNTransportCM && h.PGN != PGNTransportDT {
			return Frame{
				Priority:    h.Priority,
				PGN:         h.PGN,
				Source:      h.Source,
				Destination: h.Destination,
				Data:        append([]byte(nil), frames[0].Data...),
			}, nil
		}
	}

	var ann *announce
	segs := make(map[uint8]map[uint8][]byte) // SA -> seq -> данные
	for _, c := range frames {
		h := c.Header()
		switch h.PGN {
		case PGNTransportCM:
			if len(c.Data) < 8 {
				return Frame{}, &ReassemblyError{Source: h.Source, Err: ErrMalformedTP}
			}
			switch c.Data[0] {
			case cmBAM, cmRTS:
				a, err := parseAnnounce(h, c.Data)
				if err != nil {
					return Frame{}, &ReassemblyError{Source: h.Source, PGN: cmPGN(c.Data), Err: err}
				}
				ann = &a
			case cmAbort:
				return Frame{}, &ReassemblyError{Source: h.Source, PGN: cmPGN(c.Data), Reason: c.Data[1], Err: ErrAborted}
			}
		case PGNTransportDT:
			if len(c.Data) < 2 {
				continue
			}
			bySeq, ok := segs[h.Source]
			if !ok {
				bySeq = make(map[uint8][]byte)
				segs[h.Source] = bySeq
			}
			// повторный сегмент не перезаписывает первый
			if _, dup := bySeq[c.Data[0]]; !dup {
				bySeq[c.Data[0]] = c.Data[1:]
			}
		}
	}
	if ann == nil {
		return Frame{}, &ReassemblyError{Err: ErrNoAnnounce}
	}
	return ann.build(segs[ann.header.Source])
}

// SegmentBAM разбивает глобальное сообщение на кадры BAM + TP.DT.
// Сообщения до 8 байт возвращаются одним кадром, дополненным 0xFF.
func SegmentBAM(f Frame) ([]CANFrame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	h := f.Header()
	if len(f.Data) <= 8 {
		c, err := NewCANFrame(h, padded(f.Data))
		if err != nil {
			return nil, err
		}
		return []CANFrame{c}, nil
	}
	packets := (len(f.Data) + segmentSize - 1) / segmentSize
	cm := []byte{cmBAM, byte(len(f.Data)), byte(len(f.Data) >> 8), byte(packets), 0xFF,
		byte(f.PGN), byte(f.PGN >> 8), byte(f.PGN >> 16)}
	out := make([]CANFrame, 0, packets+1)
	first, err := NewCANFrame(Header{Priority: 7, PGN: PGNTransportCM, Source: f.Source, Destination: Global}, cm)
	if err != nil {
		return nil, err
	}
	out = append(out, first)
	for seq := 1; seq <= packets; seq++ {
		start := (seq - 1) * segmentSize
		end := min(start+segmentSize, len(f.Data))
		dt := make([]byte, 8)
		dt[0] = byte(seq)
		copy(dt[1:], f.Data[start:end])
		for i := 1 + end - start; i < 8; i++ {
			dt[i] = 0xFF
		}
		c, err := NewCANFrame(Header{Priority: 7, PGN: PGNTransportDT, Source: f.Source, Destination: Global}, dt)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// padded дополняет короткие данные до 8 байт значением 0xFF.
func padded(data []byte) []byte {
	if len(data) >= 8 {
		return data
	}
	out := make([]byte, 8)
	copy(out, data)
	for i := len(data); i < 8; i++ {
		out[i] = 0xFF
	}
	return out
}

type sessionKey struct {
	source      uint8
	destination uint8
}

type session struct {
	ann       announce
	segs      map[uint8][]byte
	last      time.Time
	windowEnd int // последний пакет, запрошенный в CTS
}

// Assembler - потоковая сборка многопакетных сообщений.
// Поддерживает BAM и RTS/CTS; на RTS, адресованный self, отвечает CTS не более
// чем на разрешенное отправителем число пакетов, следующий CTS шлет после
// приема окна, EOMA по завершении. Не потокобезопасен.
type Assembler struct {
	self     uint8
	sessions map[sessionKey]*session
}

// NewAssembler создает сборщик для узла с адресом self.
func NewAssembler(self uint8) *Assembler {
	return &Assembler{self: self, sessions: make(map[sessionKey]*session)}
}

// Add обрабатывает очередной физический кадр. Возвращает готовое сообщение
// (если оно собрано), управляющие кадры для отправки и ошибку сборки.
func (a *Assembler) Add(c CANFrame, at time.Time) (*Frame, []CANFrame, error) {
	h := c.Header()
	switch h.PGN {
	case PGNTransportCM:
		return a.handleCM(h, c.Data, at)
	case PGNTransportDT:
		return a.handleDT(h, c.Data, at)
	default:
		return &Frame{
			Priority:    h.Priority,
			PGN:         h.PGN,
			Source:      h.Source,
			Destination: h.Destination,
			Data:        append([]byte(nil), c.Data...),
			Timestamp:   at,
		}, nil, nil
	}
}

func (a *Assembler) handleCM(h Header, data []byte, at time.Time) (*Frame, []CANFrame, error) {
	if len(data) < 8 {
		return nil, nil, &ReassemblyError{Source: h.Source, Err: ErrMalformedTP}
	}
	key := sessionKey{source: h.Source, destination: h.Destination}
	switch data[0] {
	case cmBAM, cmRTS:
		ann, err := parseAnnounce(h, data)
		if err != nil {
			return nil, nil, &ReassemblyError{Source: h.Source, PGN: cmPGN(data), Err: err}
		}
		s := &session{ann: ann, segs: make(map[uint8][]byte), last: at}
		a.sessions[key] = s
		if data[0] == cmRTS && h.Destination == a.self {
			c, err := a.clearToSend(s, 1)
			if err != nil {
				return nil, nil, err
			}
			return nil, []CANFrame{c}, nil
		}
	case cmAbort:
		delete(a.sessions, key)
		return nil, nil, &ReassemblyError{Source: h.Source, PGN: cmPGN(data), Reason: data[1], Err: ErrAborted}
	}
	return nil, nil, nil
}

func (a *Assembler) handleDT(h Header, data []byte, at time.Time) (*Frame, []CANFrame, error) {
	key := sessionKey{source: h.Source, destination: h.Destination}
	s, ok := a.sessions[key]
	if !ok || len(data) < 2 {
		return nil, nil, nil
	}
	if _, dup := s.segs[data[0]]; !dup && int(data[0]) >= 1 && int(data[0]) <= s.ann.packets {
		s.segs[data[0]] = append([]byte(nil), data[1:]...)
	}
	s.last = at
	if len(s.segs) < s.ann.packets {
		if s.ann.bam || h.Destination != a.self || s.windowEnd >= s.ann.packets || !s.received(s.windowEnd) {
			return nil, nil, nil
		}
		c, err := a.clearToSend(s, s.windowEnd+1)
		if err != nil {
			return nil, nil, err
		}
		return nil, []CANFrame{c}, nil
	}
	delete(a.sessions, key)
	f, err := s.ann.build(s.segs)
	if err != nil {
		return nil, nil, err
	}
	f.Timestamp = at
	var ctrl []CANFrame
	if !s.ann.bam && h.Destination == a.self {
		eoma := []byte{cmEOMA, byte(s.ann.size), byte(s.ann.size >> 8), byte(s.ann.packets), 0xFF,
			byte(f.PGN), byte(f.PGN >> 8), byte(f.PGN >> 16)}
		c, err := NewCANFrame(Header{Priority: 7, PGN: PGNTransportCM, Source: a.self, Destination: h.Source}, eoma)
		if err != nil {
			return nil, nil, err
		}
		ctrl = append(ctrl, c)
	}
	return &f, ctrl, nil
}

// clearToSend запрашивает следующее окно пакетов, начиная с from.
func (a *Assembler) clearToSend(s *session, from int) (CANFrame, error) {
	n := min(s.ann.packets-from+1, s.ann.perCTS)
	s.windowEnd = from + n - 1
	pgn := s.ann.header.PGN
	cts := []byte{cmCTS, byte(n), byte(from), 0xFF, 0xFF, byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
	return NewCANFrame(Header{Priority: 7, PGN: PGNTransportCM, Source: a.self, Destination: s.ann.header.Source}, cts)
}

// received - приняты все пакеты 1..upTo.
func (s *session) received(upTo int) bool {
	for seq := 1; seq <= upTo; seq++ {
		if _, ok := s.segs[uint8(seq)]; !ok {
			return false
		}
	}
	return true
}

// Expire закрывает сессии без активности дольше SessionTimeout.
// Для каждой такой сессии возвращается ошибка ErrIncomplete.
func (a *Assembler) Expire(at time.Time) []error {
	var errs []error
	for key, s := range a.sessions {
		if at.Sub(s.last) > SessionTimeout {
			delete(a.sessions, key)
			errs = append(errs, &ReassemblyError{Source: s.ann.header.Source, PGN: s.ann.header.PGN, Err: ErrIncomplete})
		}
	}
	// порядок map случаен, сортируем для воспроизводимых логов
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errs
}

// Pending возвращает число незавершенных сессий.
func (a *Assembler) Pending() int {
	return len(a.sessions)
}
