// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package job

import (
	"context"
	"fmt"
	"sync"

	"github.com/nishisan-dev/n-bro/internal/agents"
	"github.com/nishisan-dev/n-bro/internal/fragment"
	"github.com/nishisan-dev/n-bro/internal/metrics"
	"github.com/nishisan-dev/n-bro/internal/protocol"
	"github.com/nishisan-dev/n-bro/internal/storage"
)

// RestoreJob devolve a cada agent os fragmentos que ele gravou em um backup COMPLETE.
type RestoreJob struct {
	coordinator
	target     Target
	name       string
	backupType string
	deps       Deps
	progress   ProgressFunc

	fragMu    sync.Mutex
	fragments map[fragmentKey]*fragment.Fragment
	bytes     map[string]int64
}

// NewRestoreJob prepara o job de restore.
func NewRestoreJob(id string, target Target, name, backupType string, deps Deps, progress ProgressFunc) *RestoreJob {
	logger := deps.Logger.With("component", "restore", "job", id, "backup_manager", target.BackupManagerID,
		"backup", name)
	return &RestoreJob{
		coordinator: coordinator{id: id, timeout: deps.stageTimeout(), logger: logger},
		target:      target,
		name:        name,
		backupType:  backupType,
		deps:        deps,
		progress:    progress,
		fragments:   make(map[fragmentKey]*fragment.Fragment),
		bytes:       make(map[string]int64),
	}
}

func (j *RestoreJob) Type() Type              { return TypeRestore }
func (j *RestoreJob) BackupManagerID() string { return j.target.BackupManagerID }
func (j *RestoreJob) BackupName() string      { return j.name }

// Run executa o restore. Todos os agents do backup precisam estar conectados.
func (j *RestoreJob) Run(ctx context.Context) error {
	files := j.deps.Files
	brm := j.target.BackupManagerID

	rec, err := files.ReadRecord(ctx, brm, j.name)
	if err != nil {
		if storage.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrBackupNotFound, brm, j.name)
		}
		return err
	}
	if rec.Status != fragment.StatusComplete {
		return fmt.Errorf("%w: %s is %s", ErrNotRestorable, j.name, rec.Status)
	}

	agentIDs, err := files.Agents(ctx, brm, j.name)
	if err != nil {
		return err
	}
	if j.target.AgentID != "" {
		agentIDs = filterIDs(agentIDs, j.target.AgentID)
	}
	if len(agentIDs) == 0 {
		return fmt.Errorf("%w: backup %s has no fragments", ErrNoAgents, j.name)
	}

	sessions := make([]*agents.Agent, 0, len(agentIDs))
	orders := make(map[string]agents.Order, len(agentIDs))
	for _, id := range agentIDs {
		a, ok := j.deps.Agents.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrAgentNotConnected, id)
		}
		frags, err := files.Fragments(ctx, brm, j.name, id)
		if err != nil {
			return err
		}
		orders[id] = j.order(id, frags)
		sessions = append(sessions, a)
	}
	j.setParticipants(sessions)
	j.progress.report("restore of %s started with %d agents", j.name, len(sessions))

	if err := j.runStages(ctx, orders); err != nil {
		j.logger.Warn("restore failed, cancelling agents", "error", err)
		j.abort()
		j.progress.report("restore of %s failed: %v", j.name, err)
		return err
	}

	j.finishAll()
	j.progress.report("restore of %s complete", j.name)
	return nil
}

func (j *RestoreJob) order(agentID string, frags []*fragment.Fragment) agents.Order {
	o := agents.Order{BackupName: j.name, BackupType: j.backupType, SoftwareVersion: j.deps.SoftwareVersion}

	j.fragMu.Lock()
	defer j.fragMu.Unlock()
	for _, f := range frags {
		j.fragments[fragmentKey{agentID, f.FragmentID}] = f
		o.Fragments = append(o.Fragments, protocol.FragmentInfo{
			FragmentID:        f.FragmentID,
			Version:           f.Version,
			SizeInBytes:       f.SizeInBytes,
			CustomInformation: f.CustomInformation,
		})
	}
	return o
}

func (j *RestoreJob) runStages(ctx context.Context, orders map[string]agents.Order) error {
	if err := j.runStage(ctx, "preparation", agents.KindPreparingRestore, func(a *agents.Agent) error {
		return a.PrepareForRestore(j, orders[a.ID()])
	}); err != nil {
		return err
	}
	if err := j.runStage(ctx, "execution", agents.KindExecutingRestore, (*agents.Agent).ExecuteRestore); err != nil {
		return err
	}
	j.progress.report("data transfer finished")
	return j.runStage(ctx, "post-action", agents.KindPostActionRestore, (*agents.Agent).ExecuteRestorePostAction)
}

// Fragment resolve o fragmento pedido por um RestoreRequest. Só fragmentos
// anunciados ao agent no Preparation são servidos.
func (j *RestoreJob) Fragment(agentID, fragmentID string) (*fragment.Fragment, error) {
	j.fragMu.Lock()
	defer j.fragMu.Unlock()
	f, ok := j.fragments[fragmentKey{agentID, fragmentID}]
	if !ok {
		if !j.isParticipant(agentID) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, agentID)
		}
		return nil, fmt.Errorf("fragment %s of agent %s is not part of backup %s", fragmentID, agentID, j.name)
	}
	return f, nil
}

// AddTransferredBytes acumula bytes enviados ao agent.
func (j *RestoreJob) AddTransferredBytes(agentID string, n int64) {
	j.fragMu.Lock()
	j.bytes[agentID] += n
	j.fragMu.Unlock()
	if j.deps.Transfers != nil {
		j.deps.Transfers.AddTransferBytes(agentID, metrics.DirectionRestore, n)
	}
}

// TransferredBytes retorna o total enviado a agentID.
func (j *RestoreJob) TransferredBytes(agentID string) int64 {
	j.fragMu.Lock()
	defer j.fragMu.Unlock()
	return j.bytes[agentID]
}

func filterIDs(ids []string, keep string) []string {
	for _, id := range ids {
		if id == keep {
			return []string{id}
		}
	}
	return nil
}
