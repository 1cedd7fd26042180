// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package job implementa os jobs de backup, restore e export e o executor que
// garante no máximo um job em execução.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Type identifica o tipo de job.
type Type string

const (
	TypeCreateBackup Type = "CREATE_BACKUP"
	TypeRestore      Type = "RESTORE"
	TypeExport       Type = "EXPORT"
)

var (
	// ErrBusy indica que já existe um job em execução.
	ErrBusy = errors.New("another job is running")

	ErrBackupExists       = errors.New("backup already exists")
	ErrBackupNotFound     = errors.New("backup not found")
	ErrNotRestorable      = errors.New("backup is not complete")
	ErrNoAgents           = errors.New("no agents available")
	ErrAgentNotConnected  = errors.New("agent not connected")
	ErrInsufficientSpace  = errors.New("insufficient free space")
	ErrStageFailed        = errors.New("stage failed")
	ErrStageTimeout       = errors.New("stage timed out")
	ErrAgentDisconnected  = errors.New("agent disconnected")
	ErrFragmentFailed     = errors.New("fragment transfer failed")
	ErrUnknownParticipant = errors.New("agent is not part of the job")
)

// Job é uma ação de longa duração sobre um backup.
type Job interface {
	ID() string
	Type() Type
	BackupManagerID() string
	BackupName() string
	Run(ctx context.Context) error
}

// ProgressFunc recebe mensagens de progresso legíveis do job.
type ProgressFunc func(message string)

func (f ProgressFunc) report(format string, args ...any) {
	if f != nil {
		f(fmt.Sprintf(format, args...))
	}
}

// TransferRecorder contabiliza bytes transferidos por agent.
type TransferRecorder interface {
	AddTransferBytes(agentID, direction string, n int64)
}

type running struct {
	job    Job
	cancel context.CancelFunc
}

// Executor executa um job por vez, cada um na sua goroutine.
type Executor struct {
	mu      sync.Mutex
	running map[string]running
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewExecutor cria um executor ocioso.
func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{running: make(map[string]running), logger: logger.With("component", "job_executor")}
}

// Submit inicia j em background. done, se não nil, recebe o resultado quando o
// job termina (já fora da lista de jobs em execução).
func (e *Executor) Submit(ctx context.Context, j Job, done func(error)) error {
	e.mu.Lock()
	if len(e.running) > 0 {
		e.mu.Unlock()
		return ErrBusy
	}
	jobCtx, cancel := context.WithCancel(ctx)
	e.running[j.ID()] = running{job: j, cancel: cancel}
	e.wg.Add(1)
	e.mu.Unlock()

	logger := e.logger.With("job", j.ID(), "type", string(j.Type()), "backup_manager", j.BackupManagerID(),
		"backup", j.BackupName())
	logger.Info("job started")

	go func() {
		defer e.wg.Done()
		defer cancel()

		err := j.Run(jobCtx)

		e.mu.Lock()
		delete(e.running, j.ID())
		e.mu.Unlock()

		if err != nil {
			logger.Warn("job failed", "error", err)
		} else {
			logger.Info("job finished")
		}
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// RunningJobs retorna os jobs em execução.
func (e *Executor) RunningJobs() []Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Job, 0, len(e.running))
	for _, r := range e.running {
		out = append(out, r.job)
	}
	return out
}

// RunningJob retorna o job em execução do tipo t.
func (e *Executor) RunningJob(t Type) (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.running {
		if r.job.Type() == t {
			return r.job, true
		}
	}
	return nil, false
}

// Cancel cancela o contexto do job jobID.
func (e *Executor) Cancel(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.running[jobID]
	if ok {
		r.cancel()
	}
	return ok
}

// Shutdown cancela todos os jobs e aguarda o término, respeitando ctx.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, r := range e.running {
		r.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait bloqueia até que nenhum job esteja em execução.
func (e *Executor) Wait() {
	e.wg.Wait()
}
