// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// calendarHorizonYears limita a busca de CalendarEvent sem stopTime. Cinco anos
// garantem ao menos um 29 de fevereiro no intervalo.
const calendarHorizonYears = 5

// ErrInvalidEvent indica um evento com campos inconsistentes.
var ErrInvalidEvent = errors.New("invalid schedule event")

// Event é um evento agendado de um backup manager.
type Event interface {
	EventID() string
	// NextFire retorna o primeiro disparo estritamente após after.
	NextFire(after time.Time, loc *time.Location) (time.Time, bool)
	validate() error
}

// PeriodicEvent dispara em intervalos fixos alinhados a StartTime.
type PeriodicEvent struct {
	ID        string
	Weeks     int
	Days      int
	Hours     int
	Minutes   int
	StartTime time.Time // zero = sem início
	StopTime  time.Time // zero = sem fim
	NextRun   time.Time
}

func (e PeriodicEvent) EventID() string { return e.ID }

// PeriodInSeconds soma semanas, dias, horas e minutos em segundos.
// Zero significa evento inerte (nunca agendado).
func (e PeriodicEvent) PeriodInSeconds() int64 {
	days := int64(e.Weeks)*7 + int64(e.Days)
	return ((days*24+int64(e.Hours))*60 + int64(e.Minutes)) * 60
}

func (e PeriodicEvent) period() time.Duration {
	return time.Duration(e.PeriodInSeconds()) * time.Second
}

// InitialDelayInSeconds retorna os segundos de now até o primeiro ponto da grade
// StartTime + k*período que não seja anterior a now.
func (e PeriodicEvent) InitialDelayInSeconds(now time.Time) int64 {
	period := e.PeriodInSeconds()
	if period <= 0 || e.StartTime.IsZero() {
		return 0
	}
	start := e.StartTime.Truncate(time.Second)
	now = now.Truncate(time.Second)
	if now.Before(start) {
		return int64(start.Sub(now) / time.Second)
	}
	elapsed := int64(now.Sub(start) / time.Second)
	return (period - elapsed%period) % period
}

// NextFire retorna o primeiro ponto da grade após after, respeitando StopTime.
func (e PeriodicEvent) NextFire(after time.Time, _ *time.Location) (time.Time, bool) {
	period := e.period()
	if period <= 0 {
		return time.Time{}, false
	}
	start := e.StartTime.Truncate(time.Second)
	var next time.Time
	if start.IsZero() || after.Before(start) {
		next = start
		if next.IsZero() {
			next = after.Truncate(time.Second).Add(period)
		}
	} else {
		n := after.Sub(start)/period + 1
		next = start.Add(n * period)
	}
	if !e.StopTime.IsZero() && next.After(e.StopTime) {
		return time.Time{}, false
	}
	return next, true
}

func (e PeriodicEvent) validate() error {
	if e.Weeks < 0 || e.Days < 0 || e.Hours < 0 || e.Minutes < 0 {
		return fmt.Errorf("%w: negative period field", ErrInvalidEvent)
	}
	if !e.StartTime.IsZero() && !e.StopTime.IsZero() && !e.StopTime.After(e.StartTime) {
		return fmt.Errorf("%w: stop time must be after start time", ErrInvalidEvent)
	}
	return nil
}

// DayOfWeek filtra o dia da semana de um CalendarEvent.
type DayOfWeek string

const (
	AllDays   DayOfWeek = "ALL"
	Monday    DayOfWeek = "MONDAY"
	Tuesday   DayOfWeek = "TUESDAY"
	Wednesday DayOfWeek = "WEDNESDAY"
	Thursday  DayOfWeek = "THURSDAY"
	Friday    DayOfWeek = "FRIDAY"
	Saturday  DayOfWeek = "SATURDAY"
	Sunday    DayOfWeek = "SUNDAY"
)

var weekdays = map[DayOfWeek]time.Weekday{
	Sunday:    time.Sunday,
	Monday:    time.Monday,
	Tuesday:   time.Tuesday,
	Wednesday: time.Wednesday,
	Thursday:  time.Thursday,
	Friday:    time.Friday,
	Saturday:  time.Saturday,
}

// Occurrence filtra qual ocorrência do dia da semana no mês dispara.
type Occurrence string

const (
	EveryOccurrence Occurrence = "ALL"
	First           Occurrence = "FIRST"
	Second          Occurrence = "SECOND"
	Third           Occurrence = "THIRD"
	Fourth          Occurrence = "FOURTH"
	Last            Occurrence = "LAST"
)

var occurrenceIndex = map[Occurrence]int{First: 1, Second: 2, Third: 3, Fourth: 4}

// TimeOfDay é o horário local do disparo, sem fuso.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay aceita "HH:MM" ou "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	layout := "15:04:05"
	if strings.Count(s, ":") == 1 {
		layout = "15:04"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q", ErrInvalidEvent, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

func (t TimeOfDay) on(y int, m time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, m, d, t.Hour, t.Minute, t.Second, 0, loc)
}

// CalendarEvent dispara uma vez por dia válido, no horário Time.
// Campos zero (ou ALL) não filtram.
type CalendarEvent struct {
	ID                  string
	Month               int // 1-12, 0 = qualquer
	DayOfMonth          int // 1-31, 0 = qualquer
	DayOfWeek           DayOfWeek
	DayOfWeekOccurrence Occurrence
	Time                TimeOfDay
	StartTime           time.Time
	StopTime            time.Time
	NextRun             time.Time
}

// NewCalendarEvent normaliza os filtros: dia do mês e dia da semana são exclusivos.
func NewCalendarEvent(ev CalendarEvent) CalendarEvent {
	ev.normalize()
	return ev
}

func (e *CalendarEvent) normalize() {
	if e.DayOfMonth != 0 {
		e.DayOfWeek = AllDays
		e.DayOfWeekOccurrence = EveryOccurrence
	}
	if e.DayOfWeek == "" {
		e.DayOfWeek = AllDays
	}
	if e.DayOfWeekOccurrence == "" {
		e.DayOfWeekOccurrence = EveryOccurrence
	}
}

func (e CalendarEvent) EventID() string { return e.ID }

// NextFire equivale a NextValidTime.
func (e CalendarEvent) NextFire(after time.Time, loc *time.Location) (time.Time, bool) {
	return e.NextValidTime(after, loc)
}

// NextValidTime procura o próximo disparo estritamente após now e não anterior a
// StartTime, dia a dia, a partir do dia de max(now, StartTime) até a data de
// StopTime ou um horizonte de cinco anos.
func (e CalendarEvent) NextValidTime(now time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	from := now
	if !e.StartTime.IsZero() && e.StartTime.After(now) {
		from = e.StartTime.In(loc)
	}
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)

	last := now.AddDate(calendarHorizonYears, 0, 0)
	if !e.StopTime.IsZero() {
		last = e.StopTime.In(loc)
	}
	last = time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, loc)

	for ; !day.After(last); day = day.AddDate(0, 0, 1) {
		if !e.matches(day) {
			continue
		}
		at := e.Time.on(day.Year(), day.Month(), day.Day(), loc)
		if !at.After(now) || (!e.StartTime.IsZero() && at.Before(e.StartTime)) {
			continue
		}
		if !e.StopTime.IsZero() && at.After(e.StopTime) {
			break
		}
		return at, true
	}
	return time.Time{}, false
}

func (e CalendarEvent) matches(day time.Time) bool {
	if e.Month != 0 && int(day.Month()) != e.Month {
		return false
	}
	if e.DayOfMonth != 0 && day.Day() != e.DayOfMonth {
		return false
	}
	if wd, ok := weekdays[e.DayOfWeek]; ok && day.Weekday() != wd {
		return false
	}

	switch e.DayOfWeekOccurrence {
	case "", EveryOccurrence:
		return true
	case Last:
		return daysInMonth(day)-day.Day() < 7
	default:
		return (day.Day()-1)/7+1 == occurrenceIndex[e.DayOfWeekOccurrence]
	}
}

func daysInMonth(day time.Time) int {
	return time.Date(day.Year(), day.Month()+1, 0, 0, 0, 0, 0, day.Location()).Day()
}

func (e CalendarEvent) validate() error {
	if e.Month < 0 || e.Month > 12 {
		return fmt.Errorf("%w: month %d", ErrInvalidEvent, e.Month)
	}
	if e.DayOfMonth < 0 || e.DayOfMonth > 31 {
		return fmt.Errorf("%w: day of month %d", ErrInvalidEvent, e.DayOfMonth)
	}
	if _, ok := weekdays[e.DayOfWeek]; !ok && e.DayOfWeek != AllDays && e.DayOfWeek != "" {
		return fmt.Errorf("%w: day of week %q", ErrInvalidEvent, e.DayOfWeek)
	}
	if _, ok := occurrenceIndex[e.DayOfWeekOccurrence]; !ok {
		switch e.DayOfWeekOccurrence {
		case "", EveryOccurrence, Last:
		default:
			return fmt.Errorf("%w: occurrence %q", ErrInvalidEvent, e.DayOfWeekOccurrence)
		}
	}
	t := e.Time
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return fmt.Errorf("%w: time of day %s", ErrInvalidEvent, t)
	}
	if !e.StartTime.IsZero() && !e.StopTime.IsZero() && !e.StopTime.After(e.StartTime) {
		return fmt.Errorf("%w: stop time must be after start time", ErrInvalidEvent)
	}
	return nil
}
