// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package job

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/n-bro/internal/agents"
	"github.com/nishisan-dev/n-bro/internal/fragment"
	"github.com/nishisan-dev/n-bro/internal/metrics"
	"github.com/nishisan-dev/n-bro/internal/protocol"
	"github.com/nishisan-dev/n-bro/internal/storage"
)

// Deps são as dependências comuns dos jobs de backup e restore.
type Deps struct {
	Agents          AgentSource
	Files           *fragment.FileService
	Space           storage.SpaceReporter // opcional
	MinFreeBytes    uint64
	StageTimeout    time.Duration
	Transfers       TransferRecorder // opcional
	SoftwareVersion protocol.SoftwareVersion
	Logger          *slog.Logger
	Now             func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) stageTimeout() time.Duration {
	if d.StageTimeout > 0 {
		return d.StageTimeout
	}
	return DefaultStageTimeout
}

type fragmentOutcome int

const (
	fragmentInProgress fragmentOutcome = iota
	fragmentSucceeded
	fragmentFailed
)

type fragmentKey struct{ agentID, fragmentID string }

// CreateBackupJob conduz todos os agents do scope pelas etapas de backup e mantém
// o backup.json em dia. Também é o job consultado pelos canais de dados de backup.
type CreateBackupJob struct {
	coordinator
	target     Target
	name       string
	backupType string
	deps       Deps
	progress   ProgressFunc

	fragMu    sync.Mutex
	fragments map[fragmentKey]fragmentOutcome
	bytes     map[string]int64
}

// NewCreateBackupJob prepara o job; nada é enviado até Run.
func NewCreateBackupJob(id string, target Target, name, backupType string, deps Deps, progress ProgressFunc) *CreateBackupJob {
	logger := deps.Logger.With("component", "create_backup", "job", id, "backup_manager", target.BackupManagerID,
		"backup", name)
	return &CreateBackupJob{
		coordinator: coordinator{id: id, timeout: deps.stageTimeout(), logger: logger},
		target:      target,
		name:        name,
		backupType:  backupType,
		deps:        deps,
		progress:    progress,
		fragments:   make(map[fragmentKey]fragmentOutcome),
		bytes:       make(map[string]int64),
	}
}

func (j *CreateBackupJob) Type() Type              { return TypeCreateBackup }
func (j *CreateBackupJob) BackupManagerID() string { return j.target.BackupManagerID }
func (j *CreateBackupJob) BackupName() string      { return j.name }

// Run executa o backup. Qualquer falha depois da criação do backup.json cancela os
// agents e marca o backup como CORRUPTED.
func (j *CreateBackupJob) Run(ctx context.Context) error {
	files := j.deps.Files
	brm := j.target.BackupManagerID

	if _, err := files.ReadRecord(ctx, brm, j.name); err == nil {
		return fmt.Errorf("%w: %s/%s", ErrBackupExists, brm, j.name)
	} else if !storage.IsNotExist(err) {
		return err
	}

	sessions := resolveParticipants(j.deps.Agents, j.target)
	if len(sessions) == 0 {
		return fmt.Errorf("%w: scope %s", ErrNoAgents, j.target.Scope)
	}
	if err := j.checkFreeSpace(); err != nil {
		return err
	}
	j.setParticipants(sessions)

	now := j.deps.now()
	rec := &fragment.Record{
		Name:            j.name,
		BackupManagerID: brm,
		Status:          fragment.StatusIncomplete,
		CreationTime:    now,
		UpdateTime:      now,
	}
	for _, a := range sessions {
		rec.Agents = append(rec.Agents, fragment.AgentRecord{AgentID: a.ID(), SoftwareVersion: a.Identity().SoftwareVersion})
	}
	if err := files.WriteRecord(ctx, rec); err != nil {
		return err
	}
	j.progress.report("backup %s started with %d agents", j.name, len(sessions))

	if err := j.runStages(ctx); err != nil {
		j.logger.Warn("backup failed, cancelling agents", "error", err)
		j.abort()
		j.writeStatus(ctx, rec, fragment.StatusCorrupted, err.Error())
		j.progress.report("backup %s failed: %v", j.name, err)
		return err
	}

	j.finishAll()
	if err := j.writeStatus(ctx, rec, fragment.StatusComplete, ""); err != nil {
		return err
	}
	j.progress.report("backup %s complete", j.name)
	return nil
}

func (j *CreateBackupJob) runStages(ctx context.Context) error {
	order := agents.Order{BackupName: j.name, BackupType: j.backupType, SoftwareVersion: j.deps.SoftwareVersion}

	if err := j.runStage(ctx, "preparation", agents.KindPreparingBackup, func(a *agents.Agent) error {
		return a.PrepareForBackup(j, order)
	}); err != nil {
		return err
	}
	j.progress.report("all agents prepared")

	if err := j.runStage(ctx, "execution", agents.KindExecutingBackup, (*agents.Agent).ExecuteBackup); err != nil {
		return err
	}
	if err := j.checkFragments(); err != nil {
		return err
	}
	j.progress.report("data transfer finished")

	return j.runStage(ctx, "post-action", agents.KindPostActionBackup, (*agents.Agent).ExecuteBackupPostAction)
}

func (j *CreateBackupJob) checkFreeSpace() error {
	if j.deps.Space == nil || j.deps.MinFreeBytes == 0 {
		return nil
	}
	free, err := j.deps.Space.FreeBytes()
	if err != nil {
		// Sem leitura de espaço livre o backup segue; a falha de escrita aparece depois.
		j.logger.Warn("free space check unavailable", "error", err)
		return nil
	}
	if free < j.deps.MinFreeBytes {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientSpace, free, j.deps.MinFreeBytes)
	}
	return nil
}

// checkFragments falha se algum fragmento falhou ou ficou sem DataEnd quando a execução terminou.
func (j *CreateBackupJob) checkFragments() error {
	j.fragMu.Lock()
	defer j.fragMu.Unlock()

	var bad []string
	for k, outcome := range j.fragments {
		if outcome != fragmentSucceeded {
			bad = append(bad, k.agentID+"/"+k.fragmentID)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("%w: %s", ErrFragmentFailed, strings.Join(bad, ", "))
}

// writeStatus persiste o status final mesmo com ctx cancelado.
func (j *CreateBackupJob) writeStatus(ctx context.Context, rec *fragment.Record, status fragment.Status, message string) error {
	rec.Status = status
	rec.Message = message
	rec.UpdateTime = j.deps.now()
	if err := j.deps.Files.WriteRecord(context.WithoutCancel(ctx), rec); err != nil {
		j.logger.Error("writing backup record failed", "status", string(status), "error", err)
		return err
	}
	return nil
}

// FragmentReceived aceita o Metadata de um stream de dados. Somente participantes
// podem enviar e cada fragmento é aceito uma única vez.
func (j *CreateBackupJob) FragmentReceived(agentID string, meta fragment.Metadata) error {
	if !j.isParticipant(agentID) {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, agentID)
	}
	k := fragmentKey{agentID, meta.FragmentID}

	j.fragMu.Lock()
	defer j.fragMu.Unlock()
	if _, ok := j.fragments[k]; ok {
		return fmt.Errorf("fragment %s of agent %s already received", meta.FragmentID, agentID)
	}
	j.fragments[k] = fragmentInProgress
	return nil
}

// FragmentSucceeded marca o fragmento como gravado.
func (j *CreateBackupJob) FragmentSucceeded(agentID, fragmentID string) error {
	k := fragmentKey{agentID, fragmentID}

	j.fragMu.Lock()
	defer j.fragMu.Unlock()
	if _, ok := j.fragments[k]; !ok {
		return fmt.Errorf("fragment %s of agent %s was never announced", fragmentID, agentID)
	}
	j.fragments[k] = fragmentSucceeded
	j.logger.Info("fragment stored", "agent", agentID, "fragment", fragmentID)
	return nil
}

// FragmentFailed marca o fragmento como perdido; o backup falha ao fim da execução.
func (j *CreateBackupJob) FragmentFailed(agentID, fragmentID string) {
	j.fragMu.Lock()
	j.fragments[fragmentKey{agentID, fragmentID}] = fragmentFailed
	j.fragMu.Unlock()
	j.logger.Warn("fragment failed", "agent", agentID, "fragment", fragmentID)
}

// AddTransferredBytes acumula bytes recebidos do agent.
func (j *CreateBackupJob) AddTransferredBytes(agentID string, n int64) {
	j.fragMu.Lock()
	j.bytes[agentID] += n
	j.fragMu.Unlock()
	if j.deps.Transfers != nil {
		j.deps.Transfers.AddTransferBytes(agentID, metrics.DirectionBackup, n)
	}
}

// TransferredBytes retorna o total recebido de agentID.
func (j *CreateBackupJob) TransferredBytes(agentID string) int64 {
	j.fragMu.Lock()
	defer j.fragMu.Unlock()
	return j.bytes[agentID]
}
