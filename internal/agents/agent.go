// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/n-bro/internal/protocol"
)

// Conn é o canal de controle visto pela sessão.
type Conn interface {
	Send(msg protocol.ControlMessage) error
	// Close envia um ErrorMessage quando err != nil e fecha o canal.
	Close(err error) error
}

// Agent é a sessão de um agent conectado.
type Agent struct {
	mu     sync.Mutex
	state  State
	outbox []outbound // frames de transições já confirmadas, ainda não escritos
	conn   Conn
	repo   *Repository
	logger *slog.Logger

	// sendMu serializa a escrita do outbox fora de mu. sendErr fica preso após
	// a primeira falha: o canal é fechado e nada mais é escrito.
	sendMu  sync.Mutex
	sendErr error

	cancelled atomic.Bool
}

// outbound é um frame (ou o fechamento) a escrever no canal de controle.
type outbound struct {
	msg   protocol.ControlMessage
	close bool
	err   error
}

// NewAgent cria a sessão de uma conexão recém-aberta, no estado Unrecognized.
func NewAgent(conn Conn, repo *Repository, logger *slog.Logger) *Agent {
	return &Agent{
		state:  State{Kind: KindUnrecognized},
		conn:   conn,
		repo:   repo,
		logger: logger,
	}
}

// ID retorna o agentId registrado (vazio antes do Register).
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Identity.AgentID
}

// Identity retorna o que o agent declarou no Register.
func (a *Agent) Identity() Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Identity
}

// State retorna uma cópia do estado corrente.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Kind retorna a variante do estado corrente.
func (a *Agent) Kind() Kind {
	return a.State().Kind
}

// Cancelled indica se a conexão do agent já foi encerrada.
func (a *Agent) Cancelled() bool {
	return a.cancelled.Load()
}

// SetLogger troca o logger da sessão (ex.: pelo session logger após o registro).
func (a *Agent) SetLogger(logger *slog.Logger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger = logger
}

// ProcessMessage trata uma mensagem recebida do agent. O erro devolvido é o motivo
// do encerramento da sessão quando a mensagem a rejeita.
func (a *Agent) ProcessMessage(msg protocol.ControlMessage) error {
	return a.handle(MessageReceived{Msg: msg})
}

// PrepareForBackup envia o Preparation de backup. Fora de Registered é no-op.
func (a *Agent) PrepareForBackup(job Job, order Order) error {
	return a.handle(PrepareBackup{Job: job, Order: order})
}

// ExecuteBackup envia o Execution de backup.
func (a *Agent) ExecuteBackup() error {
	return a.handle(ExecuteBackup{})
}

// ExecuteBackupPostAction envia o PostActions de backup.
func (a *Agent) ExecuteBackupPostAction() error {
	return a.handle(PostActionBackup{})
}

// PrepareForRestore envia o Preparation de restore com a lista de fragmentos.
func (a *Agent) PrepareForRestore(job Job, order Order) error {
	return a.handle(PrepareRestore{Job: job, Order: order})
}

// ExecuteRestore envia o Execution de restore.
func (a *Agent) ExecuteRestore() error {
	return a.handle(ExecuteRestore{})
}

// ExecuteRestorePostAction envia o PostActions de restore.
func (a *Agent) ExecuteRestorePostAction() error {
	return a.handle(PostActionRestore{})
}

// FinishAction volta a sessão a Registered.
func (a *Agent) FinishAction() error {
	return a.handle(Finish{})
}

// CancelAction envia Cancel ao agent. Com ação em andamento a sessão passa a Cancelling.
func (a *Agent) CancelAction() error {
	return a.handle(Cancel{})
}

// HandleClosedConnection marca a sessão como cancelada e a desmonta.
func (a *Agent) HandleClosedConnection(err error) {
	a.cancelled.Store(true)
	a.handle(ConnectionClosed{Err: err})
}

// handle calcula a transição e confirma o estado sob o lock da sessão. Os frames
// produzidos entram no outbox e são escritos depois do unlock, na ordem das
// transições. Notificações ao job rodam por último, pois o job pode chamar de volta
// a sessão (ex.: ExecuteBackup quando todos terminaram a preparação).
func (a *Agent) handle(ev Event) error {
	a.mu.Lock()
	t := Next(a.state, ev)
	out, notifications, err := a.apply(t)
	if err == nil {
		a.state = t.Next
	}
	a.outbox = append(a.outbox, out...)
	agentID := a.state.Identity.AgentID
	a.mu.Unlock()

	if len(out) > 0 {
		if sendErr := a.flush(); sendErr != nil && err == nil {
			err = sendErr
		}
	}

	for _, n := range notifications {
		switch e := n.(type) {
		case NotifyStageComplete:
			e.Job.StageComplete(agentID, e.Success, e.Message)
		case NotifyDisconnect:
			e.Job.AgentDisconnected(agentID)
		}
	}
	return err
}

// apply executa os efeitos locais em ordem e devolve os frames a escrever e as
// notificações. Para no primeiro erro. Deve ser chamado com a.mu.
func (a *Agent) apply(t Transition) ([]outbound, []Effect, error) {
	var out []outbound
	var notifications []Effect

	for _, eff := range t.Effects {
		switch e := eff.(type) {
		case SendMessage:
			out = append(out, outbound{msg: e.Msg})

		case RegisterAgent:
			if err := a.repo.Add(t.Next.Identity, a); err != nil {
				a.logger.Warn("agent registration rejected", "agent", t.Next.Identity.AgentID, "error", err)
				return append(out, outbound{close: true, err: err}), notifications, err
			}
			a.logger = a.logger.With("agent", t.Next.Identity.AgentID)

		case DeregisterAgent:
			a.repo.Remove(a.state.Identity.AgentID, a)

		case CloseConnection:
			a.logger.Warn("closing control channel", "error", e.Err)
			return append(out, outbound{close: true, err: e.Err}), notifications, e.Err

		case NotifyStageComplete, NotifyDisconnect:
			notifications = append(notifications, eff)

		case LogEvent:
			a.logger.Log(context.Background(), e.Level, e.Msg, e.Args...)
		}
	}
	return out, notifications, nil
}

// flush escreve o outbox. Uma falha de escrita fecha o canal; o loop de leitura
// então termina e HandleClosedConnection desmonta a sessão.
func (a *Agent) flush() error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	for {
		a.mu.Lock()
		if len(a.outbox) == 0 {
			a.mu.Unlock()
			return a.sendErr
		}
		o := a.outbox[0]
		a.outbox = a.outbox[1:]
		logger := a.logger
		a.mu.Unlock()

		switch {
		case o.close:
			a.close(logger, o.err)
		case a.sendErr != nil:
			logger.Debug("dropping message on broken control channel", "message", fmt.Sprintf("%T", o.msg))
		default:
			if err := a.conn.Send(o.msg); err != nil {
				a.sendErr = fmt.Errorf("sending %T to agent: %w", o.msg, err)
				logger.Warn("control channel write failed", "error", err)
				a.close(logger, nil)
			}
		}
	}
}

func (a *Agent) close(logger *slog.Logger, err error) {
	if cerr := a.conn.Close(err); cerr != nil {
		logger.Debug("closing control channel failed", "error", cerr)
	}
}
