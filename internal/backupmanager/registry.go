// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package backupmanager mantém os backup managers da orquestração. Cada manager
// corresponde a um scope de agents e tem o seu próprio scheduler. Um manager
// virtual ({scope}-{agent}) restringe as ações a um único agent.
package backupmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nishisan-dev/n-bro/internal/agents"
	"github.com/nishisan-dev/n-bro/internal/job"
	"github.com/nishisan-dev/n-bro/internal/scheduler"
	"github.com/nishisan-dev/n-bro/internal/validation"
)

var (
	ErrReservedID     = errors.New("backup manager id is reserved")
	ErrDuplicateID    = errors.New("backup manager already exists")
	ErrUnknownManager = errors.New("unknown backup manager")
)

// Manager é um backup manager. ParentID e AgentID só são preenchidos em managers virtuais.
type Manager struct {
	ID        string
	ParentID  string
	AgentID   string
	Scope     string
	Scheduler *scheduler.Scheduler
}

// Virtual indica se o manager pertence a um único agent.
func (m *Manager) Virtual() bool { return m.AgentID != "" }

// Options configura o Registry e os schedulers que ele cria.
type Options struct {
	Executor   *scheduler.Executor
	Store      scheduler.Store
	Submitter  scheduler.Submitter
	Recorder   scheduler.Recorder
	Location   *time.Location
	NamePrefix string
	Logger     *slog.Logger
}

// Registry guarda os managers por id.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry cria o DEFAULT e os managers extras, restaurando o scheduler de cada um.
func NewRegistry(ctx context.Context, opts Options, extra []string) (*Registry, error) {
	r := &Registry{
		opts:     opts,
		logger:   opts.Logger.With("component", "backup_managers"),
		managers: make(map[string]*Manager),
	}
	ids := append([]string{agents.DefaultScope}, extra...)
	for _, id := range ids {
		if _, err := r.add(ctx, id, "", ""); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(ctx context.Context, id, parentID, agentID string) (*Manager, error) {
	if err := validation.ValidateID(id); err != nil {
		return nil, fmt.Errorf("backup manager id: %w", err)
	}
	if id == job.ExportDir {
		return nil, fmt.Errorf("%w: %s", ErrReservedID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managers[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	scope := id
	if parentID != "" {
		scope = parentID
	}
	sched := scheduler.New(scheduler.Options{
		BackupManagerID: id,
		Executor:        r.opts.Executor,
		Store:           r.opts.Store,
		Submitter:       r.opts.Submitter,
		Recorder:        r.opts.Recorder,
		Location:        r.opts.Location,
		NamePrefix:      r.opts.NamePrefix,
		Logger:          r.opts.Logger,
	})
	if err := sched.Load(ctx); err != nil {
		sched.Close()
		return nil, fmt.Errorf("loading scheduler of %s: %w", id, err)
	}

	m := &Manager{ID: id, ParentID: parentID, AgentID: agentID, Scope: scope, Scheduler: sched}
	r.managers[id] = m
	r.logger.Info("backup manager created", "backup_manager", id, "virtual", m.Virtual())
	return m, nil
}

// EnsureVirtual cria o manager virtual {parentID}-{agentID} se ainda não existir.
// Scopes sem manager correspondente são ignorados.
func (r *Registry) EnsureVirtual(parentID, agentID string) error {
	id := parentID + "-" + agentID

	r.mu.Lock()
	_, parentOK := r.managers[parentID]
	_, exists := r.managers[id]
	r.mu.Unlock()

	if exists {
		return nil
	}
	if !parentOK {
		r.logger.Debug("scope without backup manager", "scope", parentID, "agent", agentID)
		return nil
	}
	_, err := r.add(context.Background(), id, parentID, agentID)
	if errors.Is(err, ErrDuplicateID) {
		return nil
	}
	return err
}

// Exists indica se id é um manager conhecido.
func (r *Registry) Exists(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Get retorna o manager id.
func (r *Registry) Get(id string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[id]
	return m, ok
}

// Scheduler retorna o scheduler do manager id.
func (r *Registry) Scheduler(id string) (*scheduler.Scheduler, error) {
	m, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownManager, id)
	}
	return m.Scheduler, nil
}

// Target atende action.ManagerResolver.
func (r *Registry) Target(id string) (job.Target, bool) {
	m, ok := r.Get(id)
	if !ok {
		return job.Target{}, false
	}
	return job.Target{BackupManagerID: m.ID, Scope: m.Scope, AgentID: m.AgentID}, true
}

// List retorna os managers ordenados por id.
func (r *Registry) List() []*Manager {
	r.mu.Lock()
	out := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close desarma os schedulers de todos os managers.
func (r *Registry) Close() {
	for _, m := range r.List() {
		m.Scheduler.Close()
	}
}
