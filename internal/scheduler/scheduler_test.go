// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-bro/internal/metrics"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	names []string
	err   error
	calls chan string
}

func (f *fakeSubmitter) SubmitScheduledBackup(_ context.Context, _ string, name string) error {
	f.mu.Lock()
	f.names = append(f.names, name)
	f.mu.Unlock()
	if f.calls != nil {
		f.calls <- name
	}
	return f.err
}

type fakeRecorder struct {
	mu        sync.Mutex
	triggered int
	missed    map[string]int
}

func (r *fakeRecorder) IncTriggeredBackup(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggered++
}

func (r *fakeRecorder) IncMissedBackup(_ string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missed == nil {
		r.missed = map[string]int{}
	}
	r.missed[reason]++
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, sub Submitter, rec Recorder) (*Scheduler, *FileStore) {
	t.Helper()
	exec := NewExecutor(time.UTC, testLogger())
	t.Cleanup(func() { exec.Stop(context.Background()) })
	fs, _ := newFileStore(t, time.UTC)

	s := New(Options{
		BackupManagerID: "DEFAULT",
		Executor:        exec,
		Store:           fs,
		Submitter:       sub,
		Recorder:        rec,
		Location:        time.UTC,
		NamePrefix:      "NIGHTLY",
		Logger:          testLogger(),
	})
	t.Cleanup(s.Close)
	return s, fs
}

func futureHourly() PeriodicEvent {
	return PeriodicEvent{Hours: 1, StartTime: time.Now().Add(24 * time.Hour).Truncate(time.Second)}
}

func TestScheduler_FireSubmitsBackup(t *testing.T) {
	sub := &fakeSubmitter{}
	rec := &fakeRecorder{}
	s, _ := newTestScheduler(t, sub, rec)

	ev, err := s.AddPeriodicEvent(context.Background(), futureHourly())
	if err != nil {
		t.Fatalf("AddPeriodicEvent: %v", err)
	}
	s.fire(ev.ID)

	if len(sub.names) != 1 || !strings.HasPrefix(sub.names[0], "NIGHTLY-") {
		t.Fatalf("expected one NIGHTLY- backup, got %v", sub.names)
	}
	if rec.triggered != 1 {
		t.Errorf("expected triggered metric, got %d", rec.triggered)
	}
}

func TestScheduler_LockedFireSkipsAction(t *testing.T) {
	sub := &fakeSubmitter{}
	rec := &fakeRecorder{}
	s, _ := newTestScheduler(t, sub, rec)
	ctx := context.Background()

	ev, _ := s.AddPeriodicEvent(ctx, futureHourly())
	if err := s.SetAdminState(ctx, Locked); err != nil {
		t.Fatalf("SetAdminState: %v", err)
	}
	s.fire(ev.ID)

	if len(sub.names) != 0 {
		t.Errorf("locked scheduler must not submit, got %v", sub.names)
	}
	if rec.missed[metrics.ReasonLocked] != 1 {
		t.Errorf("expected missed metric for locked, got %v", rec.missed)
	}
	if _, ok := s.timers[ev.ID]; !ok {
		t.Error("timers must stay armed while locked")
	}
}

func TestScheduler_SubmitFailureKeepsSchedule(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("job executor busy")}
	rec := &fakeRecorder{}
	s, fs := newTestScheduler(t, sub, rec)
	ctx := context.Background()

	ev, _ := s.AddPeriodicEvent(ctx, futureHourly())
	s.fire(ev.ID)
	s.fire(ev.ID)

	if rec.missed[metrics.ReasonFailed] != 2 {
		t.Errorf("expected 2 failed misses, got %v", rec.missed)
	}
	if _, ok := s.timers[ev.ID]; !ok {
		t.Error("failed fire must not stop future fires")
	}

	events, err := fs.ReadEvents(ctx, "DEFAULT")
	if err != nil || len(events) != 1 {
		t.Fatalf("ReadEvents: %v (%d events)", err, len(events))
	}
	if events[0].(PeriodicEvent).NextRun.IsZero() {
		t.Error("nextRun must be persisted after a failed fire")
	}
}

func TestScheduler_InertEventIsNotArmed(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSubmitter{}, nil)

	ev, err := s.AddPeriodicEvent(context.Background(), PeriodicEvent{})
	if err != nil {
		t.Fatalf("AddPeriodicEvent: %v", err)
	}
	if _, ok := s.timers[ev.ID]; ok {
		t.Error("zero period event must not be armed")
	}
	if !ev.NextRun.IsZero() {
		t.Errorf("inert event must have no next run, got %v", ev.NextRun)
	}
	if _, ok := s.Event(ev.ID); !ok {
		t.Error("inert event must still be stored")
	}
}

func TestScheduler_StopTimeArmsCancelTimer(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSubmitter{}, nil)
	ev := futureHourly()
	ev.StopTime = ev.StartTime.Add(48 * time.Hour)

	added, err := s.AddPeriodicEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("AddPeriodicEvent: %v", err)
	}
	if n := len(s.timers[added.ID]); n != 2 {
		t.Fatalf("expected periodic and stop timers, got %d", n)
	}

	s.expire(added.ID)
	if _, ok := s.timers[added.ID]; ok {
		t.Error("expire must cancel the event timers")
	}
	got, _ := s.Event(added.ID)
	if !got.(PeriodicEvent).NextRun.IsZero() {
		t.Error("expired event must have no next run")
	}
}

func TestScheduler_DeleteEvent(t *testing.T) {
	s, fs := newTestScheduler(t, &fakeSubmitter{}, nil)
	ctx := context.Background()

	ev, _ := s.AddCalendarEvent(ctx, CalendarEvent{Time: TimeOfDay{Hour: 2}})
	if err := s.DeleteEvent(ctx, ev.ID); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if _, ok := s.timers[ev.ID]; ok {
		t.Error("timers must be removed")
	}
	if events, _ := fs.ReadEvents(ctx, "DEFAULT"); len(events) != 0 {
		t.Errorf("persisted event must be deleted, got %d", len(events))
	}
	if err := s.DeleteEvent(ctx, ev.ID); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
	// Disparo atrasado de um evento removido é ignorado.
	s.fire(ev.ID)
}

func TestScheduler_RejectsDuplicateAndInvalid(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSubmitter{}, nil)
	ctx := context.Background()

	ev := futureHourly()
	ev.ID = "nightly"
	if _, err := s.AddPeriodicEvent(ctx, ev); err != nil {
		t.Fatalf("AddPeriodicEvent: %v", err)
	}
	if _, err := s.AddPeriodicEvent(ctx, ev); !errors.Is(err, ErrEventExists) {
		t.Errorf("expected ErrEventExists, got %v", err)
	}
	ev.ID = "../escape"
	if _, err := s.AddPeriodicEvent(ctx, ev); err == nil {
		t.Error("expected invalid id error")
	}
	if _, err := s.AddCalendarEvent(ctx, CalendarEvent{Month: 14}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestScheduler_LoadRestoresState(t *testing.T) {
	ctx := context.Background()
	s, fs := newTestScheduler(t, &fakeSubmitter{}, nil)

	p, _ := s.AddPeriodicEvent(ctx, futureHourly())
	c, _ := s.AddCalendarEvent(ctx, CalendarEvent{Time: TimeOfDay{Hour: 4}})
	s.SetAdminState(ctx, Locked)
	s.SetNamePrefix(ctx, "WEEKLY")
	s.Close()

	exec := NewExecutor(time.UTC, testLogger())
	defer exec.Stop(ctx)
	restored := New(Options{BackupManagerID: "DEFAULT", Executor: exec, Store: fs,
		Submitter: &fakeSubmitter{}, Location: time.UTC, Logger: testLogger()})
	defer restored.Close()

	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored.AdminState() != Locked || restored.NamePrefix() != "WEEKLY" {
		t.Errorf("settings not restored: %s %s", restored.AdminState(), restored.NamePrefix())
	}
	if len(restored.Events()) != 2 {
		t.Fatalf("expected 2 events, got %d", len(restored.Events()))
	}
	for _, id := range []string{p.ID, c.ID} {
		if _, ok := restored.timers[id]; !ok {
			t.Errorf("event %s not re-armed", id)
		}
	}

	next, ok := restored.NextScheduledTime()
	if !ok {
		t.Fatal("expected a next scheduled time")
	}
	cNext, _ := restored.Event(c.ID)
	pNext, _ := restored.Event(p.ID)
	want := nextRunOf(cNext)
	if nextRunOf(pNext).Before(want) {
		want = nextRunOf(pNext)
	}
	if !next.Equal(want) {
		t.Errorf("expected earliest next run %v, got %v", want, next)
	}
}

func TestExecutor_ScheduleOnceFires(t *testing.T) {
	exec := NewExecutor(time.UTC, testLogger())
	defer exec.Stop(context.Background())

	fired := make(chan struct{}, 2)
	exec.ScheduleOnce(time.Now().Add(200*time.Millisecond), func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("one-shot timer did not fire")
	}
	select {
	case <-fired:
		t.Fatal("one-shot timer fired twice")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestExecutor_RemoveCancels(t *testing.T) {
	exec := NewExecutor(time.UTC, testLogger())
	defer exec.Stop(context.Background())

	fired := make(chan struct{}, 1)
	id := exec.ScheduleOnce(time.Now().Add(time.Second), func() { fired <- struct{}{} })
	exec.Remove(id)

	select {
	case <-fired:
		t.Fatal("removed timer fired")
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestPeriodicSchedule_FiresOnGridWithoutRepeating(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := newPeriodicSchedule(PeriodicEvent{Minutes: 1, StartTime: start})

	// Criado exatamente sobre um ponto da grade: dispara já.
	first := sched.Next(start.Add(2*time.Minute + 300*time.Millisecond))
	if !first.Equal(start.Add(2 * time.Minute)) {
		t.Fatalf("expected immediate grid fire, got %v", first)
	}
	second := sched.Next(first.Add(10 * time.Millisecond))
	if !second.Equal(start.Add(3 * time.Minute)) {
		t.Errorf("expected next grid point, got %v", second)
	}
}

func newClockedScheduler(t *testing.T, fs *FileStore, now time.Time) *Scheduler {
	t.Helper()
	exec := NewExecutor(time.UTC, testLogger())
	t.Cleanup(func() { exec.Stop(context.Background()) })
	s := New(Options{
		BackupManagerID: "DEFAULT",
		Executor:        exec,
		Store:           fs,
		Submitter:       &fakeSubmitter{},
		Location:        time.UTC,
		Logger:          testLogger(),
		Now:             func() time.Time { return now },
	})
	t.Cleanup(s.Close)
	return s
}

func TestScheduler_UpdateWithoutStartAnchorsGridAtNow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 14, 12, 0, 30, 0, time.UTC)
	fs, _ := newFileStore(t, time.UTC)
	s := newClockedScheduler(t, fs, now)

	added, err := s.AddPeriodicEvent(ctx, PeriodicEvent{Hours: 1})
	if err != nil {
		t.Fatalf("AddPeriodicEvent: %v", err)
	}
	got, err := s.UpdateEvent(ctx, PeriodicEvent{ID: added.ID, Minutes: 1})
	if err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	upd := got.(PeriodicEvent)
	if !upd.StartTime.Equal(now) {
		t.Fatalf("expected start anchored at %v, got %v", now, upd.StartTime)
	}
	armed := newPeriodicSchedule(upd).Next(now)
	if !upd.NextRun.Equal(armed) {
		t.Errorf("reported next run %v differs from armed timer %v", upd.NextRun, armed)
	}

	events, err := fs.ReadEvents(ctx, "DEFAULT")
	if err != nil || len(events) != 1 {
		t.Fatalf("ReadEvents: %v %v", events, err)
	}
	stored := events[0].(PeriodicEvent)
	if !stored.StartTime.Equal(now) || !stored.NextRun.Equal(armed) {
		t.Errorf("persisted start %v next %v, want %v %v", stored.StartTime, stored.NextRun, now, armed)
	}
}

func TestScheduler_LoadAnchorsRecordWithoutStart(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 14, 8, 15, 0, 0, time.UTC)
	fs, _ := newFileStore(t, time.UTC)
	if err := fs.WriteEvent(ctx, "DEFAULT", PeriodicEvent{ID: "old", Hours: 6}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	s := newClockedScheduler(t, fs, now)
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ev, ok := s.Event("old")
	if !ok {
		t.Fatal("event not loaded")
	}
	p := ev.(PeriodicEvent)
	if !p.StartTime.Equal(now) {
		t.Fatalf("expected start anchored at %v, got %v", now, p.StartTime)
	}
	if armed := newPeriodicSchedule(p).Next(now); !p.NextRun.Equal(armed) {
		t.Errorf("reported next run %v differs from armed timer %v", p.NextRun, armed)
	}
}
