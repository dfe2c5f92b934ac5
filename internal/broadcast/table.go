package broadcast

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

// Entry - нормативный период передачи PGN.
type Entry struct {
	PGN    uint32        `yaml:"pgn"`
	Name   string        `yaml:"name,omitempty"`
	Period time.Duration `yaml:"period"`
	// SingleSource - PGN должен передавать только один модуль.
	SingleSource bool `yaml:"single_source,omitempty"`
}

// Table - таблица ожидаемых периодов.
type Table struct {
	Entries []Entry `yaml:"periods"`
}

// DefaultTable - периоды J1939-71/73 для сообщений, которые проверяются по умолчанию.
func DefaultTable() Table {
	return Table{Entries: []Entry{
		{PGN: j1939.PGNDM1, Name: "DM1", Period: time.Second},
		{PGN: 65262, Name: "ET1", Period: time.Second},
		{PGN: 65263, Name: "EFL/P1", Period: 500 * time.Millisecond},
		{PGN: 65265, Name: "CCVS1", Period: 100 * time.Millisecond},
	}}
}

// ParseTable разбирает таблицу в формате YAML.
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("ошибка разбора таблицы периодов: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// LoadTable читает таблицу из файла.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("ошибка чтения таблицы периодов %s: %w", path, err)
	}
	return ParseTable(data)
}

// Validate проверяет, что периоды положительны и PGN не повторяются.
func (t Table) Validate() error {
	seen := make(map[uint32]bool, len(t.Entries))
	for _, e := range t.Entries {
		if e.Period <= 0 {
			return fmt.Errorf("таблица периодов: PGN %d: период должен быть больше нуля", e.PGN)
		}
		if seen[e.PGN] {
			return fmt.Errorf("таблица периодов: PGN %d указан дважды", e.PGN)
		}
		seen[e.PGN] = true
	}
	return nil
}

// Lookup возвращает запись для PGN.
func (t Table) Lookup(pgn uint32) (Entry, bool) {
	for _, e := range t.Entries {
		if e.PGN == pgn {
			return e, true
		}
	}
	return Entry{}, false
}

// Period возвращает нормативный период PGN.
func (t Table) Period(pgn uint32) (time.Duration, bool) {
	e, ok := t.Lookup(pgn)
	return e.Period, ok
}

// PGNs возвращает отсортированный список PGN таблицы.
func (t Table) PGNs() []uint32 {
	out := make([]uint32, 0, len(t.Entries))
	for _, e := range t.Entries {
		out = append(out, e.PGN)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Longest возвращает наибольший период среди pgns (или всей таблицы, если pgns пуст).
func (t Table) Longest(pgns ...uint32) time.Duration {
	var longest time.Duration
	for _, e := range t.Entries {
		if len(pgns) > 0 && !contains(pgns, e.PGN) {
			continue
		}
		longest = max(longest, e.Period)
	}
	return longest
}

func contains(list []uint32, v uint32) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
