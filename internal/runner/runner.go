// Package runner выполняет последовательность шагов проверки поверх
// движка запросов и наблюдателя шины.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/serebryakov7/j1939-obd/internal/broadcast"
	"github.com/serebryakov7/j1939-obd/internal/j1939"
	"github.com/serebryakov7/j1939-obd/internal/modules"
	"github.com/serebryakov7/j1939-obd/internal/request"
)

// Verdict - итог шага. Больше значение - хуже итог.
type Verdict int

const (
	Pass Verdict = iota
	Warn
	Fail
	Cancelled
	Aborted // шина недоступна, прогон прерван
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "PASS"
	case Warn:
		return "WARN"
	case Fail:
		return "FAIL"
	case Cancelled:
		return "CANCELLED"
	case Aborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("VERDICT(%d)", int(v))
	}
}

// MarshalText нужен для JSON и CBOR представления отчетов.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(b []byte) error {
	for c := Pass; c <= Aborted; c++ {
		if c.String() == string(b) {
			*v = c
			return nil
		}
	}
	return fmt.Errorf("неизвестный итог %q", b)
}

// Finding - одно замечание шага.
type Finding struct {
	Verdict Verdict `json:"verdict" cbor:"1,keyasint"`
	Address uint8   `json:"address" cbor:"2,keyasint"` // j1939.Global, если замечание не относится к модулю
	Message string  `json:"message" cbor:"3,keyasint"`
}

func (f Finding) String() string {
	if f.Address == j1939.Global {
		return fmt.Sprintf("%s: %s", f.Verdict, f.Message)
	}
	return fmt.Sprintf("%s: 0x%02X: %s", f.Verdict, f.Address, f.Message)
}

// Failf и Warnf - короткие конструкторы замечаний.
func Failf(addr uint8, format string, args ...any) Finding {
	return Finding{Verdict: Fail, Address: addr, Message: fmt.Sprintf(format, args...)}
}

func Warnf(addr uint8, format string, args ...any) Finding {
	return Finding{Verdict: Warn, Address: addr, Message: fmt.Sprintf(format, args...)}
}

// Outcome - результат выполнения одного шага.
type Outcome struct {
	StepID   string    `json:"step" cbor:"1,keyasint"`
	Name     string    `json:"name" cbor:"2,keyasint"`
	Verdict  Verdict   `json:"verdict" cbor:"3,keyasint"`
	Findings []Finding `json:"findings,omitempty" cbor:"4,keyasint,omitempty"`
	Error    string    `json:"error,omitempty" cbor:"5,keyasint,omitempty"`
	Started  time.Time `json:"started" cbor:"6,keyasint"`
	Finished time.Time `json:"finished" cbor:"7,keyasint"`
}

// Reporter получает результаты шагов по мере выполнения.
type Reporter interface {
	Report(o Outcome) error
}

// ReporterFunc позволяет использовать функцию как Reporter.
type ReporterFunc func(o Outcome) error

func (f ReporterFunc) Report(o Outcome) error { return f(o) }

// DefaultBroadcastWindow - длительность наблюдения за шиной по умолчанию.
const DefaultBroadcastWindow = 10 * time.Second

// Timeouts - окна ожидания для шагов. Нулевые Global и DS - значения движка.
type Timeouts struct {
	Global    time.Duration
	DS        time.Duration
	Broadcast time.Duration // длительность наблюдения за шиной
}

// Env - окружение, общее для всех шагов.
type Env struct {
	Engine   *request.Engine
	Observer *broadcast.Observer
	Modules  *modules.Registry
	Clock    clock.Clock
	Table    broadcast.Table
	Timeouts Timeouts
}

// PauseFor - пауза с учетом отмены.
func (e *Env) PauseFor(ctx context.Context, d time.Duration) error {
	return e.Engine.PauseFor(ctx, d)
}

// Step - шаг проверки. Шаги не наследуются, а собираются из функций.
type Step struct {
	ID   string
	Name string
	Run  func(ctx context.Context, env *Env) ([]Finding, error)
}

// Runner выполняет шаги по порядку.
type Runner struct {
	env       *Env
	reporters []Reporter
}

func New(env *Env, reporters ...Reporter) *Runner {
	if env.Clock == nil {
		env.Clock = clock.New()
	}
	if env.Modules == nil {
		env.Modules = modules.NewRegistry()
	}
	if len(env.Table.Entries) == 0 {
		env.Table = broadcast.DefaultTable()
	}
	if env.Timeouts.Broadcast <= 0 {
		env.Timeouts.Broadcast = DefaultBroadcastWindow
	}
	return &Runner{env: env, reporters: reporters}
}

// AddReporter подключает получателя результатов.
func (r *Runner) AddReporter(rep Reporter) {
	r.reporters = append(r.reporters, rep)
}

// Run выполняет steps. Ошибка шага, кроме недоступности шины и отмены,
// записывается как FAIL, и прогон продолжается. Недоступность шины
// прерывает прогон с итогом ABORTED, отмена - с итогом CANCELLED.
func (r *Runner) Run(ctx context.Context, steps []Step) ([]Outcome, error) {
	out := make([]Outcome, 0, len(steps))
	for _, s := range steps {
		if ctx.Err() != nil {
			return out, request.ErrCancelled
		}
		log.Printf("Шаг %s: %s", s.ID, s.Name)

		o := Outcome{StepID: s.ID, Name: s.Name, Started: r.env.Clock.Now()}
		findings, err := s.Run(ctx, r.env)
		o.Finished = r.env.Clock.Now()
		o.Findings = findings
		o.Verdict = worst(findings)

		var stop error
		switch {
		case err == nil:
		case isBusError(err):
			o.Verdict = Aborted
			o.Error = err.Error()
			stop = err
		case isCancel(err) || ctx.Err() != nil:
			o.Verdict = Cancelled
			o.Error = err.Error()
			stop = request.ErrCancelled
		default:
			o.Verdict = Fail
			o.Error = err.Error()
		}

		log.Printf("Шаг %s: %s", s.ID, o.Verdict)
		for _, f := range o.Findings {
			log.Printf("  %s", f)
		}
		out = append(out, o)
		r.report(o)
		if stop != nil {
			return out, stop
		}
	}
	return out, nil
}

func (r *Runner) report(o Outcome) {
	for _, rep := range r.reporters {
		if err := rep.Report(o); err != nil {
			log.Printf("Ошибка передачи результата шага %s: %v", o.StepID, err)
		}
	}
}

func worst(findings []Finding) Verdict {
	v := Pass
	for _, f := range findings {
		v = max(v, f.Verdict)
	}
	return v
}

func isBusError(err error) bool {
	return errors.Is(err, request.ErrBusUnavailable) || errors.Is(err, broadcast.ErrBusUnavailable)
}

func isCancel(err error) bool {
	return errors.Is(err, request.ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Summary возвращает худший итог прогона.
func Summary(outcomes []Outcome) Verdict {
	v := Pass
	for _, o := range outcomes {
		v = max(v, o.Verdict)
	}
	return v
}
