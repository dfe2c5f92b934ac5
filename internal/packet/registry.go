package packet

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

var (
	ErrUnknownPGN = errors.New("packet: неизвестный PGN")
	ErrMalformed  = errors.New("packet: данные не соответствуют формату PGN")
)

// DecodeError - нарушение формата полезной нагрузки PGN.
type DecodeError struct {
	PGN    uint32
	Source uint8
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("packet: PGN %d от SA 0x%02X: %s", e.PGN, e.Source, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

func malformed(f j1939.Frame, format string, args ...any) error {
	return &DecodeError{PGN: f.PGN, Source: f.Source, Reason: fmt.Sprintf(format, args...)}
}

// Decoder превращает сообщение в типизированный пакет.
type Decoder func(j1939.Frame) (Packet, error)

type entry struct {
	name   string
	decode Decoder
}

// Registry сопоставляет PGN и декодеры.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint32]entry
}

// NewRegistry создает реестр с декодерами DM-сообщений и Acknowledgment.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[uint32]entry)}
	r.Register(j1939.PGNAcknowledgment, "Acknowledgment", decodeAcknowledgment)
	r.Register(j1939.PGNDM1, "DM1", dtcDecoder("DM1"))
	r.Register(j1939.PGNDM2, "DM2", dtcDecoder("DM2"))
	r.Register(j1939.PGNDM6, "DM6", dtcDecoder("DM6"))
	r.Register(j1939.PGNDM12, "DM12", dtcDecoder("DM12"))
	r.Register(j1939.PGNDM23, "DM23", dtcDecoder("DM23"))
	r.Register(j1939.PGNDM28, "DM28", dtcDecoder("DM28"))
	r.Register(j1939.PGNDM5, "DM5", decodeDM5)
	r.Register(j1939.PGNDM20, "DM20", decodeDM20)
	r.Register(j1939.PGNDM21, "DM21", decodeDM21)
	r.Register(j1939.PGNDM26, "DM26", decodeDM26)
	return r
}

// Register добавляет или заменяет декодер PGN.
func (r *Registry) Register(pgn uint32, name string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[pgn] = entry{name: name, decode: d}
}

// Decode декодирует сообщение. Для незарегистрированного PGN возвращает ErrUnknownPGN.
func (r *Registry) Decode(f j1939.Frame) (Packet, error) {
	r.mu.RLock()
	e, ok := r.entries[f.PGN]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPGN, f.PGN)
	}
	return e.decode(f)
}

// DecodeOrRaw декодирует сообщение, а для неизвестного PGN возвращает Raw.
// Ошибки формата по-прежнему возвращаются.
func (r *Registry) DecodeOrRaw(f j1939.Frame) (Packet, error) {
	p, err := r.Decode(f)
	if errors.Is(err, ErrUnknownPGN) {
		return NewRaw(f), nil
	}
	return p, err
}

// Known сообщает, есть ли декодер для PGN.
func (r *Registry) Known(pgn uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[pgn]
	return ok
}

// Name возвращает название PGN или "PGN n".
func (r *Registry) Name(pgn uint32) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[pgn]; ok {
		return e.name
	}
	return fmt.Sprintf("PGN %d", pgn)
}

// PGNs возвращает отсортированный список зарегистрированных PGN.
func (r *Registry) PGNs() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint32, 0, len(r.entries))
	for pgn := range r.entries {
		out = append(out, pgn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
