// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Executor é o executor de timers do subsistema de agendamento. Um único runner
// cron atende todos os schedulers, e os callbacks são serializados: nunca há dois
// disparos executando ao mesmo tempo.
type Executor struct {
	cron   *cron.Cron
	logger *slog.Logger
	run    sync.Mutex
}

// NewExecutor cria o runner cron já iniciado.
func NewExecutor(loc *time.Location, logger *slog.Logger) *Executor {
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))),
	)
	c.Start()
	return &Executor{cron: c, logger: logger}
}

// Schedule arma fn segundo sched. sched.Next retornando tempo zero encerra o timer.
func (e *Executor) Schedule(sched cron.Schedule, fn func()) cron.EntryID {
	return e.cron.Schedule(sched, cron.FuncJob(func() { e.serialized(fn) }))
}

// ScheduleOnce arma fn para disparar uma única vez em at.
func (e *Executor) ScheduleOnce(at time.Time, fn func()) cron.EntryID {
	return e.Schedule(&onceSchedule{at: at}, fn)
}

// Remove cancela o timer; a entrada sai imediatamente do runner.
func (e *Executor) Remove(id cron.EntryID) {
	e.cron.Remove(id)
}

// Len retorna o número de timers armados.
func (e *Executor) Len() int {
	return len(e.cron.Entries())
}

// Stop para o runner e aguarda o callback em andamento.
func (e *Executor) Stop(ctx context.Context) {
	stopCtx := e.cron.Stop()
	select {
	case <-stopCtx.Done():
		e.logger.Info("scheduler executor stopped gracefully")
	case <-ctx.Done():
		e.logger.Warn("scheduler executor stop timed out")
	}
}

func (e *Executor) serialized(fn func()) {
	e.run.Lock()
	defer e.run.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("scheduled callback panicked", "panic", r)
		}
	}()
	fn()
}

// onceSchedule responde um único Next (o da inclusão no runner) e depois encerra.
type onceSchedule struct {
	at    time.Time
	armed bool
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	if s.armed {
		return time.Time{}
	}
	s.armed = true
	if !s.at.After(t) {
		// Já passou: o runner trata Next <= now como vencido e dispara logo.
		return t
	}
	return s.at
}

// periodicSchedule percorre a grade start + k*period. Cada chamada de Next avança
// ao menos um ponto, então o disparo vencido na criação não se repete.
type periodicSchedule struct {
	event PeriodicEvent
	start time.Time
	last  time.Time
}

func newPeriodicSchedule(ev PeriodicEvent) *periodicSchedule {
	return &periodicSchedule{event: ev, start: ev.StartTime.Truncate(time.Second)}
}

func (s *periodicSchedule) Next(t time.Time) time.Time {
	period := s.event.period()
	var next time.Time
	switch {
	case s.last.IsZero() && !t.Before(s.start) && (t.Sub(s.start)%period) < time.Second:
		// Criado sobre um ponto da grade (atraso inicial zero).
		next = t.Truncate(time.Second)
	default:
		n, ok := s.event.NextFire(maxTime(t, s.last), nil)
		if !ok {
			return time.Time{}
		}
		next = n
	}
	if !s.event.StopTime.IsZero() && next.After(s.event.StopTime) {
		return time.Time{}
	}
	s.last = next
	return next
}

type calendarSchedule struct {
	event CalendarEvent
	loc   *time.Location
}

func (s *calendarSchedule) Next(t time.Time) time.Time {
	next, ok := s.event.NextValidTime(t, s.loc)
	if !ok {
		return time.Time{}
	}
	return next
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
