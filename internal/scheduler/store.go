// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/nishisan-dev/n-bro/internal/storage"
)

// Versões do formato em disco. A v1 gravava horários sem offset, interpretados
// no fuso do scheduler; a v2 grava RFC 3339.
const (
	schemaV1      = 1
	schemaCurrent = 2

	legacyLayout = "2006-01-02T15:04:05"
)

const (
	typePeriodic = "periodic"
	typeCalendar = "calendar"
)

// AdminState trava ou libera a criação automática de backups.
type AdminState string

const (
	Unlocked AdminState = "UNLOCKED"
	Locked   AdminState = "LOCKED"
)

// Settings é o estado persistido de um scheduler.
type Settings struct {
	AdminState AdminState
	NamePrefix string
}

// Store persiste eventos e settings por backup manager.
type Store interface {
	WriteEvent(ctx context.Context, brmID string, ev Event) error
	ReadEvents(ctx context.Context, brmID string) ([]Event, error)
	DeleteEvent(ctx context.Context, brmID, eventID string) error
	WriteSettings(ctx context.Context, brmID string, s Settings) error
	// ReadSettings retorna um erro fs.ErrNotExist se nada foi gravado ainda.
	ReadSettings(ctx context.Context, brmID string) (Settings, error)
}

// FileStore grava um JSON por evento em {brm}/events/{id}.json e os settings em
// {brm}/scheduler.json, sobre um storage.Store (gravação atômica).
type FileStore struct {
	store storage.Store
	loc   *time.Location
}

// NewFileStore cria o store; loc interpreta horários do formato legado.
func NewFileStore(store storage.Store, loc *time.Location) *FileStore {
	if loc == nil {
		loc = time.Local
	}
	return &FileStore{store: store, loc: loc}
}

type eventRecord struct {
	Version   int    `json:"version,omitempty"`
	Type      string `json:"type"`
	ID        string `json:"id"`
	StartTime string `json:"startTime,omitempty"`
	StopTime  string `json:"stopTime,omitempty"`
	NextRun   string `json:"nextRun,omitempty"`

	Weeks   int `json:"weeks,omitempty"`
	Days    int `json:"days,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty"`

	Month               int    `json:"month,omitempty"`
	DayOfMonth          int    `json:"dayOfMonth,omitempty"`
	DayOfWeek           string `json:"dayOfWeek,omitempty"`
	DayOfWeekOccurrence string `json:"dayOfWeekOccurrence,omitempty"`
	Time                string `json:"time,omitempty"`
}

type settingsRecord struct {
	Version    int    `json:"version"`
	AdminState string `json:"adminState"`
	NamePrefix string `json:"namePrefix"`
}

func eventsDir(brmID string) string {
	return path.Join(brmID, "events")
}

func eventKey(brmID, eventID string) string {
	return path.Join(eventsDir(brmID), eventID+".json")
}

func settingsKey(brmID string) string {
	return path.Join(brmID, "scheduler.json")
}

// WriteEvent grava ev no formato corrente.
func (s *FileStore) WriteEvent(ctx context.Context, brmID string, ev Event) error {
	rec, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", ev.EventID(), err)
	}
	return s.store.WriteFile(ctx, eventKey(brmID, ev.EventID()), data)
}

// ReadEvents lê todos os eventos do backup manager, em ordem de id.
func (s *FileStore) ReadEvents(ctx context.Context, brmID string) ([]Event, error) {
	keys, err := s.store.List(ctx, eventsDir(brmID))
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		data, err := s.store.ReadFile(ctx, key)
		if err != nil {
			return nil, err
		}
		var rec eventRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", key, err)
		}
		ev, err := s.decodeEvent(rec)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", key, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// DeleteEvent remove o arquivo do evento.
func (s *FileStore) DeleteEvent(ctx context.Context, brmID, eventID string) error {
	return s.store.Delete(ctx, eventKey(brmID, eventID))
}

// WriteSettings grava admin state e prefixo.
func (s *FileStore) WriteSettings(ctx context.Context, brmID string, st Settings) error {
	data, err := json.MarshalIndent(settingsRecord{
		Version:    schemaCurrent,
		AdminState: string(st.AdminState),
		NamePrefix: st.NamePrefix,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling scheduler settings: %w", err)
	}
	return s.store.WriteFile(ctx, settingsKey(brmID), data)
}

// ReadSettings lê os settings gravados.
func (s *FileStore) ReadSettings(ctx context.Context, brmID string) (Settings, error) {
	data, err := s.store.ReadFile(ctx, settingsKey(brmID))
	if err != nil {
		return Settings{}, err
	}
	var rec settingsRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Settings{}, fmt.Errorf("parsing scheduler settings: %w", err)
	}
	st := Settings{AdminState: AdminState(rec.AdminState), NamePrefix: rec.NamePrefix}
	if st.AdminState != Locked {
		st.AdminState = Unlocked
	}
	return st, nil
}

func encodeEvent(ev Event) (eventRecord, error) {
	switch e := ev.(type) {
	case PeriodicEvent:
		return eventRecord{
			Version:   schemaCurrent,
			Type:      typePeriodic,
			ID:        e.ID,
			StartTime: formatTime(e.StartTime),
			StopTime:  formatTime(e.StopTime),
			NextRun:   formatTime(e.NextRun),
			Weeks:     e.Weeks,
			Days:      e.Days,
			Hours:     e.Hours,
			Minutes:   e.Minutes,
		}, nil
	case CalendarEvent:
		return eventRecord{
			Version:             schemaCurrent,
			Type:                typeCalendar,
			ID:                  e.ID,
			StartTime:           formatTime(e.StartTime),
			StopTime:            formatTime(e.StopTime),
			NextRun:             formatTime(e.NextRun),
			Month:               e.Month,
			DayOfMonth:          e.DayOfMonth,
			DayOfWeek:           string(e.DayOfWeek),
			DayOfWeekOccurrence: string(e.DayOfWeekOccurrence),
			Time:                e.Time.String(),
		}, nil
	default:
		return eventRecord{}, fmt.Errorf("%w: unsupported event type %T", ErrInvalidEvent, ev)
	}
}

func (s *FileStore) decodeEvent(rec eventRecord) (Event, error) {
	version := rec.Version
	if version == 0 {
		version = schemaV1
	}
	if version > schemaCurrent {
		return nil, fmt.Errorf("unsupported schema version %d", rec.Version)
	}

	var times [3]time.Time
	for i, raw := range []string{rec.StartTime, rec.StopTime, rec.NextRun} {
		t, err := s.parseTime(raw, version)
		if err != nil {
			return nil, err
		}
		times[i] = t
	}

	switch rec.Type {
	case typePeriodic:
		return PeriodicEvent{
			ID:        rec.ID,
			Weeks:     rec.Weeks,
			Days:      rec.Days,
			Hours:     rec.Hours,
			Minutes:   rec.Minutes,
			StartTime: times[0],
			StopTime:  times[1],
			NextRun:   times[2],
		}, nil
	case typeCalendar:
		var tod TimeOfDay
		if rec.Time != "" {
			var err error
			if tod, err = ParseTimeOfDay(rec.Time); err != nil {
				return nil, err
			}
		}
		return NewCalendarEvent(CalendarEvent{
			ID:                  rec.ID,
			Month:               rec.Month,
			DayOfMonth:          rec.DayOfMonth,
			DayOfWeek:           DayOfWeek(rec.DayOfWeek),
			DayOfWeekOccurrence: Occurrence(rec.DayOfWeekOccurrence),
			Time:                tod,
			StartTime:           times[0],
			StopTime:            times[1],
			NextRun:             times[2],
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, rec.Type)
	}
}

func (s *FileStore) parseTime(raw string, version int) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if version == schemaV1 {
		// Registros v1 mais novos já podem trazer offset.
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t, nil
		}
		return time.ParseInLocation(legacyLayout, raw, s.loc)
	}
	return time.Parse(time.RFC3339, raw)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
