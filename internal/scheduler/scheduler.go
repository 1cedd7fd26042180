// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scheduler agenda a criação automática de backups de um backup manager
// a partir de eventos periódicos e de calendário.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nishisan-dev/n-bro/internal/metrics"
	"github.com/nishisan-dev/n-bro/internal/storage"
	"github.com/nishisan-dev/n-bro/internal/validation"
	"github.com/robfig/cron/v3"
)

// DefaultNamePrefix é o prefixo dos backups agendados quando nenhum é configurado.
const DefaultNamePrefix = "SCHEDULED_BACKUP"

var (
	ErrEventNotFound = errors.New("schedule event not found")
	ErrEventExists   = errors.New("schedule event already exists")
)

// Submitter cria o backup de um disparo.
type Submitter interface {
	SubmitScheduledBackup(ctx context.Context, backupManagerID, backupName string) error
}

// SubmitterFunc adapta uma função a Submitter.
type SubmitterFunc func(ctx context.Context, backupManagerID, backupName string) error

func (f SubmitterFunc) SubmitScheduledBackup(ctx context.Context, backupManagerID, backupName string) error {
	return f(ctx, backupManagerID, backupName)
}

// Recorder recebe o resultado de cada disparo.
type Recorder interface {
	IncTriggeredBackup(backupManagerID string)
	IncMissedBackup(backupManagerID, reason string)
}

// Options configura um Scheduler.
type Options struct {
	BackupManagerID string
	Executor        *Executor
	Store           Store
	Submitter       Submitter
	Recorder        Recorder
	Location        *time.Location
	NamePrefix      string
	Logger          *slog.Logger
	// Now substitui o relógio (testes).
	Now func() time.Time
}

// Scheduler mantém os eventos de um backup manager e seus timers.
type Scheduler struct {
	brmID     string
	exec      *Executor
	store     Store
	submitter Submitter
	recorder  Recorder
	loc       *time.Location
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	settings Settings
	events   map[string]Event
	timers   map[string][]cron.EntryID
}

// New cria o scheduler destravado e sem eventos. Load restaura o estado persistido.
func New(opts Options) *Scheduler {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	prefix := opts.NamePrefix
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	return &Scheduler{
		brmID:     opts.BackupManagerID,
		exec:      opts.Executor,
		store:     opts.Store,
		submitter: opts.Submitter,
		recorder:  opts.Recorder,
		loc:       loc,
		logger:    opts.Logger.With("component", "scheduler", "backup_manager", opts.BackupManagerID),
		now:       now,
		settings:  Settings{AdminState: Unlocked, NamePrefix: prefix},
		events:    make(map[string]Event),
		timers:    make(map[string][]cron.EntryID),
	}
}

// BackupManagerID retorna o backup manager dono do scheduler.
func (s *Scheduler) BackupManagerID() string {
	return s.brmID
}

// Load restaura settings e eventos persistidos e rearma todos os timers.
func (s *Scheduler) Load(ctx context.Context) error {
	settings, err := s.store.ReadSettings(ctx, s.brmID)
	switch {
	case err == nil:
		if settings.NamePrefix == "" {
			settings.NamePrefix = s.NamePrefix()
		}
		s.mu.Lock()
		s.settings = settings
		s.mu.Unlock()
	case storage.IsNotExist(err):
	default:
		return fmt.Errorf("reading scheduler settings: %w", err)
	}

	events, err := s.store.ReadEvents(ctx, s.brmID)
	if err != nil {
		return fmt.Errorf("reading schedule events: %w", err)
	}

	s.mu.Lock()
	var updated []Event
	for _, ev := range events {
		if _, exists := s.events[ev.EventID()]; exists {
			continue
		}
		ev = s.armLocked(ev)
		s.events[ev.EventID()] = ev
		updated = append(updated, ev)
	}
	s.mu.Unlock()

	for _, ev := range updated {
		s.persist(ctx, ev)
	}
	s.logger.Info("scheduler loaded", "events", len(updated), "admin_state", s.AdminState())
	return nil
}

// AdminState retorna LOCKED ou UNLOCKED.
func (s *Scheduler) AdminState() AdminState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.AdminState
}

// SetAdminState trava ou libera os disparos. Os timers continuam armados.
func (s *Scheduler) SetAdminState(ctx context.Context, state AdminState) error {
	if state != Locked && state != Unlocked {
		return fmt.Errorf("invalid admin state %q", state)
	}
	s.mu.Lock()
	s.settings.AdminState = state
	settings := s.settings
	s.mu.Unlock()

	s.logger.Info("scheduler admin state changed", "admin_state", state)
	return s.store.WriteSettings(ctx, s.brmID, settings)
}

// NamePrefix retorna o prefixo dos backups agendados.
func (s *Scheduler) NamePrefix() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.NamePrefix
}

// SetNamePrefix altera o prefixo dos backups agendados.
func (s *Scheduler) SetNamePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("name prefix must not be empty")
	}
	s.mu.Lock()
	s.settings.NamePrefix = prefix
	settings := s.settings
	s.mu.Unlock()
	return s.store.WriteSettings(ctx, s.brmID, settings)
}

// AddPeriodicEvent valida, persiste e arma ev. Sem StartTime, a grade é ancorada
// no instante da criação.
func (s *Scheduler) AddPeriodicEvent(ctx context.Context, ev PeriodicEvent) (PeriodicEvent, error) {
	if ev.StartTime.IsZero() {
		ev.StartTime = s.now().In(s.loc).Truncate(time.Second)
	}
	added, err := s.add(ctx, ev)
	if err != nil {
		return PeriodicEvent{}, err
	}
	return added.(PeriodicEvent), nil
}

// AddCalendarEvent valida, persiste e arma ev.
func (s *Scheduler) AddCalendarEvent(ctx context.Context, ev CalendarEvent) (CalendarEvent, error) {
	added, err := s.add(ctx, NewCalendarEvent(ev))
	if err != nil {
		return CalendarEvent{}, err
	}
	return added.(CalendarEvent), nil
}

func (s *Scheduler) add(ctx context.Context, ev Event) (Event, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	ev = withID(ev)
	if err := validation.ValidateID(ev.EventID()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.events[ev.EventID()]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEventExists, ev.EventID())
	}
	ev = s.armLocked(ev)
	s.events[ev.EventID()] = ev
	s.mu.Unlock()

	if err := s.store.WriteEvent(ctx, s.brmID, ev); err != nil {
		s.mu.Lock()
		s.cancelLocked(ev.EventID())
		delete(s.events, ev.EventID())
		s.mu.Unlock()
		return nil, fmt.Errorf("persisting event: %w", err)
	}
	s.logger.Info("schedule event added", "event", ev.EventID(), "type", fmt.Sprintf("%T", ev),
		"next_run", nextRunOf(ev))
	return ev, nil
}

// UpdateEvent substitui o evento de mesmo id e rearma seus timers.
func (s *Scheduler) UpdateEvent(ctx context.Context, ev Event) (Event, error) {
	if c, ok := ev.(CalendarEvent); ok {
		ev = NewCalendarEvent(c)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.events[ev.EventID()]; !exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, ev.EventID())
	}
	s.cancelLocked(ev.EventID())
	ev = s.armLocked(ev)
	s.events[ev.EventID()] = ev
	s.mu.Unlock()

	if err := s.store.WriteEvent(ctx, s.brmID, ev); err != nil {
		return nil, fmt.Errorf("persisting event: %w", err)
	}
	return ev, nil
}

// DeleteEvent cancela os timers do evento e apaga o registro persistido.
func (s *Scheduler) DeleteEvent(ctx context.Context, eventID string) error {
	s.mu.Lock()
	if _, exists := s.events[eventID]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	s.cancelLocked(eventID)
	delete(s.events, eventID)
	s.mu.Unlock()

	s.logger.Info("schedule event deleted", "event", eventID)
	return s.store.DeleteEvent(ctx, s.brmID, eventID)
}

// Event retorna o evento eventID.
func (s *Scheduler) Event(eventID string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	return ev, ok
}

// Events retorna todos os eventos, ordenados por id.
func (s *Scheduler) Events() []Event {
	s.mu.Lock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EventID() < out[j].EventID() })
	return out
}

// NextScheduledTime retorna o próximo disparo entre todos os eventos.
func (s *Scheduler) NextScheduledTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	for _, ev := range s.events {
		t := nextRunOf(ev)
		if t.IsZero() {
			continue
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	return next, !next.IsZero()
}

// Close cancela todos os timers. Os eventos persistidos não são alterados.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.timers {
		s.cancelLocked(id)
	}
}

// armLocked arma os timers de ev e devolve ev com NextRun calculado.
// Eventos inertes ou já expirados ficam sem timer.
func (s *Scheduler) armLocked(ev Event) Event {
	now := s.now()
	id := ev.EventID()

	switch e := ev.(type) {
	case PeriodicEvent:
		if e.PeriodInSeconds() == 0 {
			s.logger.Debug("periodic event is inert", "event", id)
			e.NextRun = time.Time{}
			return e
		}
		if !e.StopTime.IsZero() && !e.StopTime.After(now) {
			s.logger.Info("periodic event already past stop time", "event", id)
			e.NextRun = time.Time{}
			return e
		}
		// Sem StartTime (update ou registro antigo) a grade é ancorada agora, como no add;
		// NextRun e o timer armado partem da mesma grade.
		if e.StartTime.IsZero() {
			e.StartTime = now.In(s.loc).Truncate(time.Second)
		}
		e.NextRun = now.Truncate(time.Second).Add(time.Duration(e.InitialDelayInSeconds(now)) * time.Second)
		entries := []cron.EntryID{s.exec.Schedule(newPeriodicSchedule(e), func() { s.fire(id) })}
		if !e.StopTime.IsZero() {
			entries = append(entries, s.exec.ScheduleOnce(e.StopTime, func() { s.expire(id) }))
		}
		s.timers[id] = entries
		return e

	case CalendarEvent:
		next, ok := e.NextValidTime(now, s.loc)
		if !ok {
			s.logger.Info("calendar event has no valid time left", "event", id)
			e.NextRun = time.Time{}
			return e
		}
		e.NextRun = next
		s.timers[id] = []cron.EntryID{s.exec.Schedule(&calendarSchedule{event: e, loc: s.loc}, func() { s.fire(id) })}
		return e
	}
	return ev
}

func (s *Scheduler) cancelLocked(eventID string) {
	for _, entry := range s.timers[eventID] {
		s.exec.Remove(entry)
	}
	delete(s.timers, eventID)
}

// expire é o timer de StopTime: cancela o timer periódico do evento.
func (s *Scheduler) expire(eventID string) {
	s.mu.Lock()
	s.cancelLocked(eventID)
	s.mu.Unlock()
	s.logger.Info("schedule event reached stop time", "event", eventID)
	s.recordNextRun(eventID, s.now())
}

// fire trata um disparo. O nextRun é recalculado e persistido em qualquer desfecho.
func (s *Scheduler) fire(eventID string) {
	now := s.now()

	s.mu.Lock()
	_, exists := s.events[eventID]
	settings := s.settings
	s.mu.Unlock()
	if !exists {
		return
	}

	defer s.recordNextRun(eventID, now)

	logger := s.logger.With("event", eventID)
	if settings.AdminState == Locked {
		logger.Info("scheduler locked, skipping scheduled backup")
		s.recordMissed(metrics.ReasonLocked)
		return
	}

	name := fmt.Sprintf("%s-%s", settings.NamePrefix, now.UTC().Format(time.RFC3339))
	if err := s.submitter.SubmitScheduledBackup(context.Background(), s.brmID, name); err != nil {
		logger.Warn("scheduled backup not created", "backup", name, "error", err)
		s.recordMissed(metrics.ReasonFailed)
		return
	}
	logger.Info("scheduled backup submitted", "backup", name)
	if s.recorder != nil {
		s.recorder.IncTriggeredBackup(s.brmID)
	}
}

func (s *Scheduler) recordMissed(reason string) {
	if s.recorder != nil {
		s.recorder.IncMissedBackup(s.brmID, reason)
	}
}

// recordNextRun recalcula o próximo disparo após now e o persiste. Falhas de
// persistência são apenas logadas.
func (s *Scheduler) recordNextRun(eventID string, now time.Time) {
	s.mu.Lock()
	ev, exists := s.events[eventID]
	if !exists {
		s.mu.Unlock()
		return
	}
	next, ok := ev.NextFire(now, s.loc)
	if !ok || len(s.timers[eventID]) == 0 {
		next = time.Time{}
	}
	ev = withNextRun(ev, next)
	s.events[eventID] = ev
	s.mu.Unlock()

	s.persist(context.Background(), ev)
}

func (s *Scheduler) persist(ctx context.Context, ev Event) {
	if err := s.store.WriteEvent(ctx, s.brmID, ev); err != nil {
		s.logger.Warn("persisting schedule event failed", "event", ev.EventID(), "error", err)
	}
}

func withID(ev Event) Event {
	switch e := ev.(type) {
	case PeriodicEvent:
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		return e
	case CalendarEvent:
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		return e
	}
	return ev
}

func withNextRun(ev Event, t time.Time) Event {
	switch e := ev.(type) {
	case PeriodicEvent:
		e.NextRun = t
		return e
	case CalendarEvent:
		e.NextRun = t
		return e
	}
	return ev
}

func nextRunOf(ev Event) time.Time {
	switch e := ev.(type) {
	case PeriodicEvent:
		return e.NextRun
	case CalendarEvent:
		return e.NextRun
	}
	return time.Time{}
}
