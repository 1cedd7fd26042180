// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package action expõe as ações de backup manager (criar backup, restaurar,
// exportar) e mantém o histórico de cada uma.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nishisan-dev/n-bro/internal/export"
	"github.com/nishisan-dev/n-bro/internal/job"
	"github.com/nishisan-dev/n-bro/internal/storage"
	"github.com/nishisan-dev/n-bro/internal/validation"
)

// DefaultMaxHistory é a quantidade de ações finalizadas mantidas por backup manager.
const DefaultMaxHistory = 100

var (
	ErrUnknownBackupManager = errors.New("unknown backup manager")
	ErrInvalidRequest       = errors.New("invalid action request")
	ErrActionNotFound       = errors.New("action not found")
)

// State do ciclo de vida de uma ação.
type State string

const (
	StateRunning  State = "RUNNING"
	StateFinished State = "FINISHED"
)

// Result de uma ação finalizada.
type Result string

const (
	ResultNotAvailable Result = "NOT_AVAILABLE"
	ResultSuccess      Result = "SUCCESS"
	ResultFailure      Result = "FAILURE"
)

// Request descreve a ação pedida.
type Request struct {
	Type       job.Type
	BackupName string
	BackupType string
	ExportMode export.Mode // somente EXPORT
	Scheduled  bool
}

// Action é a visão pública de uma ação. Valores retornados pelo Service são cópias.
type Action struct {
	ID              string
	BackupManagerID string
	Type            job.Type
	BackupName      string
	Scheduled       bool
	State           State
	Result          Result
	ResultInfo      string
	Progress        []string
	StartTime       time.Time
	StopTime        time.Time
}

// ManagerResolver traduz um backup manager no alvo dos jobs.
type ManagerResolver interface {
	Target(backupManagerID string) (job.Target, bool)
}

// Recorder contabiliza ações finalizadas.
type Recorder interface {
	IncAction(actionType, result string)
}

// Options configura o Service.
type Options struct {
	Managers   ManagerResolver
	Executor   *job.Executor
	Deps       job.Deps
	Store      storage.Store
	Recorder   Recorder // opcional
	MaxHistory int
	Logger     *slog.Logger
}

// Service cria jobs a partir de pedidos e acompanha o resultado.
type Service struct {
	managers   ManagerResolver
	executor   *job.Executor
	deps       job.Deps
	store      storage.Store
	recorder   Recorder
	maxHistory int
	logger     *slog.Logger

	mu      sync.Mutex
	actions map[string]*Action
	order   map[string][]string // backup manager -> ids em ordem de criação
}

// New cria o Service.
func New(opts Options) *Service {
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Service{
		managers:   opts.Managers,
		executor:   opts.Executor,
		deps:       opts.Deps,
		store:      opts.Store,
		recorder:   opts.Recorder,
		maxHistory: maxHistory,
		logger:     opts.Logger.With("component", "action_service"),
		actions:    make(map[string]*Action),
		order:      make(map[string][]string),
	}
}

// Submit valida o pedido e inicia o job correspondente. O job não herda o
// cancelamento de ctx; ele termina com o Executor.
func (s *Service) Submit(ctx context.Context, backupManagerID string, req Request) (*Action, error) {
	target, ok := s.managers.Target(backupManagerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackupManager, backupManagerID)
	}
	if req.BackupName == "" {
		return nil, fmt.Errorf("%w: backup name is empty", ErrInvalidRequest)
	}
	if err := validation.ValidateID(req.BackupName); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id := uuid.NewString()
	act := &Action{
		ID:              id,
		BackupManagerID: backupManagerID,
		Type:            req.Type,
		BackupName:      req.BackupName,
		Scheduled:       req.Scheduled,
		State:           StateRunning,
		Result:          ResultNotAvailable,
		StartTime:       time.Now(),
	}
	progress := func(msg string) { s.appendProgress(id, msg) }

	var j job.Job
	switch req.Type {
	case job.TypeCreateBackup:
		j = job.NewCreateBackupJob(id, target, req.BackupName, req.BackupType, s.deps, progress)
	case job.TypeRestore:
		j = job.NewRestoreJob(id, target, req.BackupName, req.BackupType, s.deps, progress)
	case job.TypeExport:
		mode := req.ExportMode
		if mode == "" {
			mode = export.ModeGzip
		}
		j = job.NewExportJob(id, backupManagerID, req.BackupName, mode, s.store, s.deps.Files, s.logger, progress)
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalidRequest, req.Type)
	}

	s.mu.Lock()
	s.actions[id] = act
	s.order[backupManagerID] = append(s.order[backupManagerID], id)
	s.mu.Unlock()

	if err := s.executor.Submit(context.WithoutCancel(ctx), j, func(err error) { s.finish(id, err) }); err != nil {
		s.forget(backupManagerID, id)
		return nil, err
	}

	s.logger.Info("action submitted", "action", id, "type", string(req.Type), "backup_manager", backupManagerID,
		"backup", req.BackupName, "scheduled", req.Scheduled)
	return s.snapshot(id), nil
}

// SubmitScheduledBackup cria o backup de um disparo do scheduler.
func (s *Service) SubmitScheduledBackup(ctx context.Context, backupManagerID, backupName string) error {
	_, err := s.Submit(ctx, backupManagerID, Request{Type: job.TypeCreateBackup, BackupName: backupName, Scheduled: true})
	return err
}

// Action retorna a ação id.
func (s *Service) Action(id string) (*Action, error) {
	if a := s.snapshot(id); a != nil {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
}

// Actions retorna as ações do backup manager, da mais antiga para a mais recente.
func (s *Service) Actions(backupManagerID string) []*Action {
	s.mu.Lock()
	ids := append([]string(nil), s.order[backupManagerID]...)
	s.mu.Unlock()

	out := make([]*Action, 0, len(ids))
	for _, id := range ids {
		if a := s.snapshot(id); a != nil {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (s *Service) appendProgress(id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actions[id]; ok {
		a.Progress = append(a.Progress, msg)
	}
}

func (s *Service) finish(id string, err error) {
	s.mu.Lock()
	a, ok := s.actions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	a.State = StateFinished
	a.StopTime = time.Now()
	if err != nil {
		a.Result = ResultFailure
		a.ResultInfo = err.Error()
	} else {
		a.Result = ResultSuccess
	}
	typ, result := string(a.Type), string(a.Result)
	s.pruneLocked(a.BackupManagerID)
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.IncAction(typ, result)
	}
}

// pruneLocked descarta as ações finalizadas mais antigas acima de maxHistory.
func (s *Service) pruneLocked(backupManagerID string) {
	ids := s.order[backupManagerID]
	excess := len(ids) - s.maxHistory
	if excess <= 0 {
		return
	}
	kept := ids[:0]
	for _, id := range ids {
		if excess > 0 && s.actions[id].State == StateFinished {
			delete(s.actions, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order[backupManagerID] = kept
}

func (s *Service) forget(backupManagerID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actions, id)
	ids := s.order[backupManagerID]
	for i, other := range ids {
		if other == id {
			s.order[backupManagerID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

func (s *Service) snapshot(id string) *Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil
	}
	cp := *a
	cp.Progress = append([]string(nil), a.Progress...)
	return &cp
}
