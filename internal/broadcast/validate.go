package broadcast

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// tolerancePercent - допустимое отклонение периода.
const tolerancePercent = 10

// ComputePeriod возвращает медиану интервалов между соседними образцами.
// Медиана устойчива к одиночной задержке сегмента транспортного протокола.
// ok=false, если образцов меньше двух.
func ComputePeriod(samples []Sample) (time.Duration, bool) {
	if len(samples) < 2 {
		return 0, false
	}
	times := make([]time.Time, len(samples))
	for i, s := range samples {
		times[i] = s.ReceivedAt
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	gaps := make([]time.Duration, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, times[i].Sub(times[i-1]))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })

	mid := len(gaps) / 2
	if len(gaps)%2 == 1 {
		return gaps[mid], true
	}
	return (gaps[mid-1] + gaps[mid]) / 2, true
}

// Validate проверяет |measured - specified| / specified <= 10%.
// Границы диапазона проходят проверку.
func Validate(measured, specified time.Duration) bool {
	if specified <= 0 {
		return false
	}
	diff := measured - specified
	if diff < 0 {
		diff = -diff
	}
	return diff*100 <= specified*tolerancePercent
}

// FindDuplicateSources возвращает адреса, передающие pgn, если их больше одного.
func FindDuplicateSources(samples []Sample, pgn uint32) []uint8 {
	seen := make(map[uint8]bool)
	for _, s := range samples {
		if s.PGN == pgn {
			seen[s.Source] = true
		}
	}
	if len(seen) < 2 {
		return nil
	}
	out := make([]uint8, 0, len(seen))
	for sa := range seen {
		out = append(out, sa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GroupByKey раскладывает образцы по парам (PGN, адрес) в порядке приема.
func GroupByKey(samples []Sample) map[Key][]Sample {
	out := make(map[Key][]Sample)
	for _, s := range samples {
		out[s.Key()] = append(out[s.Key()], s)
	}
	for k := range out {
		g := out[k]
		sort.SliceStable(g, func(i, j int) bool { return g[i].ReceivedAt.Before(g[j].ReceivedAt) })
	}
	return out
}

// PeriodStatus - итог проверки периода одной пары (PGN, адрес).
type PeriodStatus int

const (
	PeriodOK PeriodStatus = iota
	OutOfTolerance
	NotObserved
	Insufficient // меньше двух сообщений, период не вычислить
)

func (s PeriodStatus) String() string {
	switch s {
	case PeriodOK:
		return "OK"
	case OutOfTolerance:
		return "OUT_OF_TOLERANCE"
	case NotObserved:
		return "NOT_OBSERVED"
	case Insufficient:
		return "INSUFFICIENT"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Finding - результат для одной пары (PGN, адрес).
type Finding struct {
	Key       Key
	Name      string
	Samples   int
	Measured  time.Duration
	Specified time.Duration
	Status    PeriodStatus
}

func (f Finding) String() string {
	switch f.Status {
	case NotObserved:
		return fmt.Sprintf("%s (PGN %d) от 0x%02X: не передается", f.Name, f.Key.PGN, f.Key.Source)
	case Insufficient:
		return fmt.Sprintf("%s (PGN %d) от 0x%02X: сообщений %d, период не определен", f.Name, f.Key.PGN, f.Key.Source, f.Samples)
	default:
		return fmt.Sprintf("%s (PGN %d) от 0x%02X: период %s, норма %s: %s",
			f.Name, f.Key.PGN, f.Key.Source, f.Measured, f.Specified, f.Status)
	}
}

// Report - результат проверки периодов.
type Report struct {
	Findings []Finding
	// DuplicateSources - PGN с признаком SingleSource, которые передают несколько модулей.
	DuplicateSources map[uint32][]uint8
}

// OK - все периоды в допуске и нет лишних источников.
func (r Report) OK() bool {
	return len(r.Failed()) == 0 && len(r.DuplicateSources) == 0
}

// Failed возвращает находки со статусом, отличным от PeriodOK.
func (r Report) Failed() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Status != PeriodOK {
			out = append(out, f)
		}
	}
	return out
}

func (r Report) String() string {
	var b strings.Builder
	for i, f := range r.Findings {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.String())
	}
	pgns := make([]uint32, 0, len(r.DuplicateSources))
	for pgn := range r.DuplicateSources {
		pgns = append(pgns, pgn)
	}
	sort.Slice(pgns, func(i, j int) bool { return pgns[i] < pgns[j] })
	for _, pgn := range pgns {
		fmt.Fprintf(&b, "\nPGN %d передают несколько модулей: % X", pgn, r.DuplicateSources[pgn])
	}
	return b.String()
}

// ValidateBroadcastPeriod проверяет периоды всех пар (PGN, адрес) из samples,
// для которых в table есть норма. Пары из expected, не встретившиеся в samples,
// получают статус NotObserved. Результат отсортирован по (PGN, адрес).
func ValidateBroadcastPeriod(samples []Sample, table Table, expected []Key) Report {
	groups := GroupByKey(samples)
	keys := make(map[Key]bool)
	for k := range groups {
		if _, ok := table.Lookup(k.PGN); ok {
			keys[k] = true
		}
	}
	for _, k := range expected {
		if _, ok := table.Lookup(k.PGN); ok {
			keys[k] = true
		}
	}

	r := Report{}
	for k := range keys {
		e, _ := table.Lookup(k.PGN)
		name := e.Name
		if name == "" {
			name = fmt.Sprintf("PGN %d", k.PGN)
		}
		f := Finding{Key: k, Name: name, Specified: e.Period, Samples: len(groups[k])}
		switch period, ok := ComputePeriod(groups[k]); {
		case f.Samples == 0:
			f.Status = NotObserved
		case !ok:
			f.Status = Insufficient
		default:
			f.Measured = period
			if Validate(period, e.Period) {
				f.Status = PeriodOK
			} else {
				f.Status = OutOfTolerance
			}
		}
		r.Findings = append(r.Findings, f)
	}
	sort.Slice(r.Findings, func(i, j int) bool {
		a, b := r.Findings[i].Key, r.Findings[j].Key
		if a.PGN != b.PGN {
			return a.PGN < b.PGN
		}
		return a.Source < b.Source
	})

	for _, e := range table.Entries {
		if !e.SingleSource {
			continue
		}
		if dup := FindDuplicateSources(samples, e.PGN); dup != nil {
			if r.DuplicateSources == nil {
				r.DuplicateSources = make(map[uint32][]uint8)
			}
			r.DuplicateSources[e.PGN] = dup
		}
	}
	return r
}
