package runner

import (
	"context"
	"errors"
	"sort"

	"github.com/serebryakov7/j1939-obd/internal/broadcast"
	"github.com/serebryakov7/j1939-obd/internal/j1939"
	"github.com/serebryakov7/j1939-obd/internal/packet"
	"github.com/serebryakov7/j1939-obd/internal/reconcile"
	"github.com/serebryakov7/j1939-obd/internal/request"
)

// DefaultSteps - встроенная последовательность шагов.
func DefaultSteps() []Step {
	return []Step{DM5GlobalDS(), DM21Global(), DM26DS(), BroadcastPeriods()}
}

// StepByID ищет встроенный шаг.
func StepByID(id string) (Step, bool) {
	for _, s := range DefaultSteps() {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// DM5GlobalDS заполняет реестр модулей по ответам DM5 и сравнивает
// ответы на глобальный и DS запросы.
func DM5GlobalDS() Step {
	return Step{ID: "dm5-global-ds", Name: "DM5: глобальный и DS запросы", Run: runDM5}
}

func runDM5(ctx context.Context, env *Env) ([]Finding, error) {
	g, err := env.Engine.RequestGlobal(ctx, j1939.PGNDM5, env.Timeouts.Global)
	if err != nil {
		return nil, err
	}
	out := decodeFindings(g)
	for _, d := range g.Duplicates {
		out = append(out, Warnf(d.Source(), "повторный ответ DM5 на глобальный запрос"))
	}
	if env.Modules.Update(g.Packets) == 0 {
		out = append(out, Failf(j1939.Global, "ни один модуль не заявил поддержку OBD"))
	}

	ds, err := env.Engine.RequestDSEach(ctx, j1939.PGNDM5, knownAddresses(env, g), env.Timeouts.DS)
	if err != nil {
		return out, err
	}
	for _, r := range ds {
		out = append(out, decodeFindings(r)...)
		env.Modules.Update(r.Packets)
	}

	for _, d := range reconcile.Compare(g, ds) {
		v := Fail
		if d.Kind == reconcile.Silent && !env.Modules.IsObdModule(d.Address) {
			v = Warn
		}
		out = append(out, Finding{Verdict: v, Address: d.Address, Message: d.String()})
	}
	return out, nil
}

// knownAddresses - ответившие на глобальный запрос и уже известные модули.
func knownAddresses(env *Env, g *request.Result) []uint8 {
	seen := make(map[uint8]bool)
	for _, sa := range g.Sources() {
		seen[sa] = true
	}
	for _, m := range env.Modules.Snapshot() {
		seen[m.Address] = true
	}
	out := make([]uint8, 0, len(seen))
	for sa := range seen {
		out = append(out, sa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DM21Global проверяет ответы OBD модулей на глобальный запрос DM21.
func DM21Global() Step {
	return Step{ID: "dm21-global", Name: "DM21: глобальный запрос", Run: runDM21}
}

func runDM21(ctx context.Context, env *Env) ([]Finding, error) {
	g, err := env.Engine.RequestGlobal(ctx, j1939.PGNDM21, env.Timeouts.Global)
	if err != nil {
		return nil, err
	}
	out := decodeFindings(g)

	obd := env.Modules.ObdAddresses()
	if len(obd) == 0 {
		out = append(out, Warnf(j1939.Global, "OBD модули не известны, ответы DM21 не проверяются"))
	}
	for _, sa := range obd {
		p, ok := g.PacketFrom(sa)
		switch {
		case ok:
			out = append(out, fieldErrors(p)...)
		case g.Declined(sa):
			out = append(out, Warnf(sa, "%s: DM21 не поддерживается", env.Modules.Name(sa)))
		default:
			out = append(out, Failf(sa, "%s: нет ответа на глобальный запрос DM21", env.Modules.Name(sa)))
		}
	}
	for _, p := range g.Packets {
		if !env.Modules.IsObdModule(p.Source()) {
			out = append(out, Warnf(p.Source(), "ответ DM21 от модуля без OBD"))
		}
	}
	return out, nil
}

// DM26DS запрашивает DM26 у каждого OBD модуля.
func DM26DS() Step {
	return Step{ID: "dm26-ds", Name: "DM26: DS запросы", Run: runDM26}
}

func runDM26(ctx context.Context, env *Env) ([]Finding, error) {
	obd := env.Modules.ObdAddresses()
	if len(obd) == 0 {
		return []Finding{Warnf(j1939.Global, "OBD модули не известны, DM26 не запрашивается")}, nil
	}
	results, err := env.Engine.RequestDSEach(ctx, j1939.PGNDM26, obd, env.Timeouts.DS)
	var out []Finding
	for _, r := range results {
		sa := r.Destination
		out = append(out, decodeFindings(r)...)
		p, ok := r.PacketFrom(sa)
		switch {
		case ok:
			out = append(out, fieldErrors(p)...)
			if dm26, ok := p.(*packet.DM26); ok && dm26.TimeSinceEngineStart.IsNotAvailable() {
				out = append(out, Warnf(sa, "DM26: время с запуска двигателя не передается"))
			}
		case r.Declined(sa):
			a, _ := r.AckFrom(sa)
			out = append(out, Failf(sa, "%s: DS запрос DM26 отклонен (%s)", env.Modules.Name(sa), a.Kind))
		case r.Status == request.TimedOut:
			out = append(out, Failf(sa, "%s: нет ответа на DS запрос DM26", env.Modules.Name(sa)))
		case len(r.Acks) > 0:
			out = append(out, Failf(sa, "%s: вместо DM26 получено %s", env.Modules.Name(sa), r.Acks[0].Kind))
		}
	}
	return out, err
}

// BroadcastPeriods наблюдает за шиной и проверяет периоды передачи.
// От каждого OBD модуля ожидается DM1, если он есть в таблице.
func BroadcastPeriods() Step {
	return Step{ID: "broadcast-periods", Name: "Периоды широковещательных сообщений", Run: runBroadcast}
}

func runBroadcast(ctx context.Context, env *Env) ([]Finding, error) {
	samples, err := env.Observer.Observe(ctx, broadcast.Options{Duration: env.Timeouts.Broadcast, Table: env.Table})
	if err != nil {
		return nil, err
	}

	var expected []broadcast.Key
	if _, ok := env.Table.Lookup(j1939.PGNDM1); ok {
		for _, sa := range env.Modules.ObdAddresses() {
			expected = append(expected, broadcast.Key{PGN: j1939.PGNDM1, Source: sa})
		}
	}
	rep := broadcast.ValidateBroadcastPeriod(samples, env.Table, expected)

	var out []Finding
	for _, f := range rep.Findings {
		switch f.Status {
		case broadcast.OutOfTolerance, broadcast.NotObserved:
			out = append(out, Failf(f.Key.Source, "%s", f))
		case broadcast.Insufficient:
			out = append(out, Warnf(f.Key.Source, "%s", f))
		}
	}
	pgns := make([]uint32, 0, len(rep.DuplicateSources))
	for pgn := range rep.DuplicateSources {
		pgns = append(pgns, pgn)
	}
	sort.Slice(pgns, func(i, j int) bool { return pgns[i] < pgns[j] })
	for _, pgn := range pgns {
		out = append(out, Failf(j1939.Global, "PGN %d передают несколько модулей: % X", pgn, rep.DuplicateSources[pgn]))
	}
	return out, nil
}

// decodeFindings превращает ответы с нарушением формата в FAIL.
func decodeFindings(r *request.Result) []Finding {
	var out []Finding
	for _, err := range r.DecodeErrors {
		sa := j1939.Global
		var de *packet.DecodeError
		if errors.As(err, &de) {
			sa = de.Source
		}
		out = append(out, Failf(sa, "%v", err))
	}
	return out
}

// fieldErrors - поля, переданные со значением "ошибка".
func fieldErrors(p packet.Packet) []Finding {
	var out []Finding
	for _, f := range p.Fields() {
		if f.Value.State == packet.Error {
			out = append(out, Failf(p.Source(), "%s: поле %q передано как ошибка", p.Name(), f.Name))
		}
	}
	return out
}
