// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestPeriodInSeconds(t *testing.T) {
	tests := []struct {
		ev   PeriodicEvent
		want int64
	}{
		{PeriodicEvent{Weeks: 1}, 604800},
		{PeriodicEvent{}, 0},
		{PeriodicEvent{Days: 1, Hours: 2, Minutes: 3}, 86400 + 7200 + 180},
		{PeriodicEvent{Minutes: 5}, 300},
	}
	for _, tt := range tests {
		if got := tt.ev.PeriodInSeconds(); got != tt.want {
			t.Errorf("%+v: expected %d, got %d", tt.ev, tt.want, got)
		}
	}
}

func TestInitialDelayInSeconds(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	// A granularidade mínima do período é o minuto.
	ev := PeriodicEvent{Minutes: 1}

	ev.StartTime = now.Add(-10 * time.Second)
	if d := ev.InitialDelayInSeconds(now); d != 50 {
		t.Errorf("start 10s ago: expected 50, got %d", d)
	}

	ev.StartTime = now.Add(-2 * time.Minute)
	if d := ev.InitialDelayInSeconds(now); d != 0 {
		t.Errorf("start on grid: expected 0, got %d", d)
	}

	ev.StartTime = now.Add(90 * time.Second)
	if d := ev.InitialDelayInSeconds(now); d != 90 {
		t.Errorf("future start: expected 90, got %d", d)
	}

	for offset := 0; offset < 300; offset += 7 {
		ev.StartTime = now.Add(-time.Duration(offset) * time.Second)
		d := ev.InitialDelayInSeconds(now)
		if d < 0 || d >= 60 {
			t.Fatalf("offset %d: delay %d outside [0,60)", offset, d)
		}
		fire := now.Add(time.Duration(d) * time.Second)
		if fire.Sub(ev.StartTime)%time.Minute != 0 {
			t.Fatalf("offset %d: first fire %v is not on the grid", offset, fire)
		}
	}
}

func TestPeriodicEvent_NextFire(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ev := PeriodicEvent{Hours: 1, StartTime: start, StopTime: start.Add(3 * time.Hour)}

	next, ok := ev.NextFire(start.Add(90*time.Minute), nil)
	if !ok || !next.Equal(start.Add(2*time.Hour)) {
		t.Errorf("expected %v, got %v (%v)", start.Add(2*time.Hour), next, ok)
	}
	next, ok = ev.NextFire(start.Add(2*time.Hour), nil)
	if !ok || !next.Equal(start.Add(3*time.Hour)) {
		t.Errorf("grid point must be strictly after: got %v", next)
	}
	if _, ok := ev.NextFire(start.Add(3*time.Hour), nil); ok {
		t.Error("expected no fire after stop time")
	}
	if next, _ := ev.NextFire(start.Add(-time.Hour), nil); !next.Equal(start) {
		t.Errorf("before start must fire at start, got %v", next)
	}
	if _, ok := (PeriodicEvent{}).NextFire(start, nil); ok {
		t.Error("inert event must never fire")
	}
}

func TestPeriodicEvent_Validate(t *testing.T) {
	start := time.Now()
	if err := (PeriodicEvent{Hours: -1}).validate(); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent for negative field, got %v", err)
	}
	if err := (PeriodicEvent{Hours: 1, StartTime: start, StopTime: start}).validate(); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent for empty window, got %v", err)
	}
	if err := (PeriodicEvent{}).validate(); err != nil {
		t.Errorf("inert event is valid: %v", err)
	}
}

func TestNewCalendarEvent_DayOfMonthClearsWeekday(t *testing.T) {
	ev := NewCalendarEvent(CalendarEvent{DayOfMonth: 10, DayOfWeek: Friday, DayOfWeekOccurrence: Last})
	if ev.DayOfWeek != AllDays || ev.DayOfWeekOccurrence != EveryOccurrence {
		t.Errorf("expected weekday filters cleared, got %s/%s", ev.DayOfWeek, ev.DayOfWeekOccurrence)
	}
	ev = NewCalendarEvent(CalendarEvent{DayOfWeek: Friday})
	if ev.DayOfWeek != Friday || ev.DayOfWeekOccurrence != EveryOccurrence {
		t.Errorf("unexpected normalization %s/%s", ev.DayOfWeek, ev.DayOfWeekOccurrence)
	}
}

func TestNextValidTime_SkipsMonthsWithoutDay(t *testing.T) {
	// 31/jan às 12:00, depois do disparo das 10:00: fevereiro não tem dia 31.
	now := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)
	ev := NewCalendarEvent(CalendarEvent{DayOfMonth: 31, Time: TimeOfDay{Hour: 10}})

	next, ok := ev.NextValidTime(now, time.UTC)
	want := time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC)
	if !ok || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextValidTime_TodayWhenNotYetPassed(t *testing.T) {
	now := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	ev := NewCalendarEvent(CalendarEvent{Time: TimeOfDay{Hour: 22, Minute: 30}})

	next, _ := ev.NextValidTime(now, time.UTC)
	if want := time.Date(2026, 10, 14, 22, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}

	next, _ = ev.NextValidTime(next, time.UTC)
	if want := time.Date(2026, 10, 15, 22, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("expected next day %v, got %v", want, next)
	}
}

func TestNextValidTime_LastFriday(t *testing.T) {
	// Janeiro de 2026 tem cinco sextas: 2, 9, 16, 23 e 30.
	ev := NewCalendarEvent(CalendarEvent{DayOfWeek: Friday, DayOfWeekOccurrence: Last, Time: TimeOfDay{Hour: 1}})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next, ok := ev.NextValidTime(now, time.UTC)
	if want := time.Date(2026, 1, 30, 1, 0, 0, 0, time.UTC); !ok || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}

	fourth := NewCalendarEvent(CalendarEvent{DayOfWeek: Friday, DayOfWeekOccurrence: Fourth, Time: TimeOfDay{Hour: 1}})
	next, _ = fourth.NextValidTime(now, time.UTC)
	if want := time.Date(2026, 1, 23, 1, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("expected fourth friday %v, got %v", want, next)
	}
}

func TestNextValidTime_SecondTuesdayOfMonth(t *testing.T) {
	ev := NewCalendarEvent(CalendarEvent{
		Month: 11, DayOfWeek: Tuesday, DayOfWeekOccurrence: Second, Time: TimeOfDay{Hour: 3},
	})
	now := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)

	next, ok := ev.NextValidTime(now, time.UTC)
	// Novembro de 2026 começa num domingo: terças 3, 10, 17...
	if want := time.Date(2026, 11, 10, 3, 0, 0, 0, time.UTC); !ok || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextValidTime_LeapDayWithinHorizon(t *testing.T) {
	ev := NewCalendarEvent(CalendarEvent{Month: 2, DayOfMonth: 29})
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	next, ok := ev.NextValidTime(now, time.UTC)
	if want := time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC); !ok || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextValidTime_StopAndStartBounds(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	stopped := NewCalendarEvent(CalendarEvent{
		DayOfMonth: 1, StopTime: time.Date(2026, 10, 31, 0, 0, 0, 0, time.UTC),
	})
	if next, ok := stopped.NextValidTime(now, time.UTC); ok {
		t.Errorf("expected no time before stop, got %v", next)
	}

	started := NewCalendarEvent(CalendarEvent{
		Time: TimeOfDay{Hour: 6}, StartTime: time.Date(2026, 12, 25, 7, 0, 0, 0, time.UTC),
	})
	next, ok := started.NextValidTime(now, time.UTC)
	if want := time.Date(2026, 12, 26, 6, 0, 0, 0, time.UTC); !ok || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextValidTime_FirstDayOfFutureStart(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	ev := NewCalendarEvent(CalendarEvent{
		Time: TimeOfDay{Hour: 2}, StartTime: time.Date(2026, 10, 20, 2, 0, 0, 0, time.UTC),
	})

	next, ok := ev.NextValidTime(now, time.UTC)
	if want := time.Date(2026, 10, 20, 2, 0, 0, 0, time.UTC); !ok || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextValidTime_KeepsWallClockAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("time zone database unavailable: %v", err)
	}
	// O horário de verão começa em 8/mar/2026.
	ev := NewCalendarEvent(CalendarEvent{Time: TimeOfDay{Hour: 10}})
	now := time.Date(2026, 3, 7, 11, 0, 0, 0, ny)

	next, _ := ev.NextValidTime(now, ny)
	if next.Hour() != 10 || next.Day() != 8 {
		t.Fatalf("expected 10:00 on Mar 8, got %v", next)
	}
	if gap := next.Sub(now); gap != 22*time.Hour {
		t.Errorf("expected 22h until the fire across the DST change, got %v", gap)
	}
}

func TestCalendarEvent_Validate(t *testing.T) {
	bad := []CalendarEvent{
		{Month: 13},
		{DayOfMonth: 32},
		{DayOfWeek: "FUNDAY"},
		{DayOfWeekOccurrence: "FIFTH"},
		{Time: TimeOfDay{Hour: 24}},
	}
	for _, ev := range bad {
		if err := ev.validate(); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("%+v: expected ErrInvalidEvent, got %v", ev, err)
		}
	}
	if err := NewCalendarEvent(CalendarEvent{Month: 2, DayOfMonth: 29}).validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("07:05")
	if err != nil || tod != (TimeOfDay{Hour: 7, Minute: 5}) {
		t.Errorf("unexpected %v, %v", tod, err)
	}
	if tod, err = ParseTimeOfDay("23:59:30"); err != nil || tod.String() != "23:59:30" {
		t.Errorf("unexpected %v, %v", tod, err)
	}
	if _, err := ParseTimeOfDay("25:00"); err == nil {
		t.Error("expected error for invalid hour")
	}
}
