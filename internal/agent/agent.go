// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package agent implementa o agent de referência: registra-se no orchestrator,
// responde às etapas de backup e restore e transfere os fragmentos configurados
// pelos canais de dados.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nishisan-dev/n-bro/internal/config"
	"github.com/nishisan-dev/n-bro/internal/protocol"
)

var (
	ErrCancelled     = errors.New("action cancelled")
	ErrBusy          = errors.New("another action is running")
	ErrUnknownAction = errors.New("unknown action")
)

// running é a execução assíncrona em andamento.
type running struct {
	action byte
	cancel context.CancelFunc
}

// Agent executa as etapas pedidas pelo orchestrator.
type Agent struct {
	cfg    *config.AgentConfig
	dialer *Dialer
	logger *slog.Logger

	mu      sync.Mutex
	current *running
	plan    *restorePlan // restore preparado e ainda não confirmado

	wg sync.WaitGroup
}

// New cria um Agent para cfg. dialer abre os canais de dados.
func New(cfg *config.AgentConfig, dialer *Dialer, logger *slog.Logger) *Agent {
	return &Agent{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With("component", "agent", "agent", cfg.Agent.ID),
	}
}

// Wait aguarda as execuções assíncronas terminarem.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// HandleControl atende Handler. Um erro retornado encerra a sessão.
func (a *Agent) HandleControl(ctx context.Context, out Sender, msg protocol.ControlMessage) error {
	switch m := msg.(type) {
	case protocol.RegisterAcknowledge:
		a.logger.Info("registration acknowledged", "message", m.Message)
		return nil

	case protocol.Preparation:
		a.logger.Info("preparing", "action", protocol.ActionName(m.Action), "backup", m.BackupName)
		return a.complete(out, m.Action, a.prepare(m))

	case protocol.Execution:
		a.execute(ctx, out, m)
		return nil

	case protocol.PostActions:
		a.logger.Info("running post actions", "action", protocol.ActionName(m.Action), "backup", m.BackupName)
		return a.complete(out, m.Action, a.postActions(m))

	case protocol.Cancel:
		return a.cancel(out, m.Action)

	default:
		return fmt.Errorf("%w: %T from orchestrator", protocol.ErrUnexpectedMessage, msg)
	}
}

// Disconnected cancela a execução em andamento e descarta o restore pendente.
func (a *Agent) Disconnected() {
	a.mu.Lock()
	cur := a.current
	var plan *restorePlan
	if cur == nil {
		plan = a.plan
		a.plan = nil
	}
	a.mu.Unlock()

	if cur != nil {
		cur.cancel()
		return
	}
	plan.discard()
}

func (a *Agent) complete(out Sender, action byte, err error) error {
	msg := protocol.StageComplete{Action: action, Success: err == nil}
	if err != nil {
		msg.Message = err.Error()
		a.logger.Warn("stage failed", "action", protocol.ActionName(action), "error", err)
	}
	return out.Send(msg)
}

func (a *Agent) busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

func (a *Agent) prepare(m protocol.Preparation) error {
	if a.busy() {
		return ErrBusy
	}
	switch m.Action {
	case protocol.ActionBackup:
		return a.checkFragments()
	case protocol.ActionRestore:
		plan, err := a.prepareRestore(m.BackupName, m.Fragments)
		if err != nil {
			return err
		}
		a.mu.Lock()
		old := a.plan
		a.plan = plan
		a.mu.Unlock()
		if old != nil && old.staging != plan.staging {
			old.discard()
		}
		return nil
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownAction, m.Action)
	}
}

// checkFragments garante que todos os arquivos do backup existem antes da execução.
func (a *Agent) checkFragments() error {
	for _, f := range a.cfg.Fragments {
		paths := append([]string{f.Path}, f.CustomMetadata...)
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				return fmt.Errorf("fragment %s: %w", f.ID, err)
			}
			if !info.Mode().IsRegular() {
				return fmt.Errorf("fragment %s: %s is not a regular file", f.ID, p)
			}
		}
	}
	return nil
}

// execute dispara a transferência em background para que o loop de controle
// continue lendo (um Cancel pode chegar durante a execução).
func (a *Agent) execute(ctx context.Context, out Sender, m protocol.Execution) {
	a.mu.Lock()
	if a.current != nil {
		a.mu.Unlock()
		a.complete(out, m.Action, ErrBusy)
		return
	}
	actx, cancel := context.WithCancel(ctx)
	cur := &running{action: m.Action, cancel: cancel}
	a.current = cur
	a.mu.Unlock()

	a.logger.Info("executing", "action", protocol.ActionName(m.Action), "backup", m.BackupName)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()

		var err error
		switch m.Action {
		case protocol.ActionBackup:
			err = a.uploadAll(actx, m.BackupName)
		case protocol.ActionRestore:
			err = a.downloadAll(actx, m.BackupName)
		default:
			err = fmt.Errorf("%w: 0x%02x", ErrUnknownAction, m.Action)
		}
		if err != nil && actx.Err() != nil {
			err = ErrCancelled
		}

		var stale *restorePlan
		a.mu.Lock()
		if a.current == cur {
			a.current = nil
		}
		if errors.Is(err, ErrCancelled) && m.Action == protocol.ActionRestore {
			stale = a.plan
			a.plan = nil
		}
		a.mu.Unlock()
		stale.discard()

		if sendErr := a.complete(out, m.Action, err); sendErr != nil {
			a.logger.Warn("failed to report execution", "error", sendErr)
		}
	}()
}

func (a *Agent) postActions(m protocol.PostActions) error {
	switch m.Action {
	case protocol.ActionBackup:
		return nil
	case protocol.ActionRestore:
		a.mu.Lock()
		plan := a.plan
		a.plan = nil
		a.mu.Unlock()
		return a.commitRestore(plan, m.BackupName)
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownAction, m.Action)
	}
}

// cancel interrompe a execução em andamento, que reporta o próprio StageComplete.
// Sem execução, responde imediatamente.
func (a *Agent) cancel(out Sender, action byte) error {
	a.mu.Lock()
	cur := a.current
	var plan *restorePlan
	if cur == nil {
		plan = a.plan
		a.plan = nil
	}
	a.mu.Unlock()

	a.logger.Info("cancel requested", "action", protocol.ActionName(action), "running", cur != nil)
	if cur != nil {
		cur.cancel()
		return nil
	}
	plan.discard()
	return a.complete(out, action, ErrCancelled)
}
