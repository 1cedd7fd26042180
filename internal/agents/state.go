// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package agents mantém as sessões de controle dos agents conectados.
//
// A máquina de estados é uma função pura Next(state, event) que devolve o próximo
// estado e a lista de efeitos (enviar mensagem, notificar job, registrar no
// repositório, fechar conexão). O Agent aplica os efeitos e só então confirma o estado.
package agents

import (
	"fmt"
	"log/slog"

	"github.com/nishisan-dev/n-bro/internal/protocol"
	"github.com/nishisan-dev/n-bro/internal/validation"
)

// Kind identifica a variante do estado da sessão.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindRegistered
	KindPreparingBackup
	KindExecutingBackup
	KindPostActionBackup
	KindPreparingRestore
	KindExecutingRestore
	KindPostActionRestore
	KindCancelling
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindUnrecognized:
		return "UNRECOGNIZED"
	case KindRegistered:
		return "REGISTERED"
	case KindPreparingBackup:
		return "PREPARING_BACKUP"
	case KindExecutingBackup:
		return "EXECUTING_BACKUP"
	case KindPostActionBackup:
		return "POST_ACTION_BACKUP"
	case KindPreparingRestore:
		return "PREPARING_RESTORE"
	case KindExecutingRestore:
		return "EXECUTING_RESTORE"
	case KindPostActionRestore:
		return "POST_ACTION_RESTORE"
	case KindCancelling:
		return "CANCELLING"
	case KindDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Job é a ação (backup/restore) que conduz o agent pelas etapas.
type Job interface {
	ID() string
	StageComplete(agentID string, success bool, message string)
	AgentDisconnected(agentID string)
}

// Identity é o que o agent declarou no Register.
type Identity struct {
	AgentID         string
	Scope           string
	APIVersion      uint8
	SoftwareVersion protocol.SoftwareVersion
}

// Order é o conteúdo das mensagens Preparation/Execution/PostActions de uma ação.
type Order struct {
	Action          byte
	BackupName      string
	BackupType      string
	SoftwareVersion protocol.SoftwareVersion
	Fragments       []protocol.FragmentInfo
}

// State é o estado corrente da sessão. Job e Order só são válidos entre a
// preparação e o fim da ação.
type State struct {
	Kind     Kind
	Identity Identity
	Job      Job
	Order    Order
}

func (s State) registered() bool {
	return s.Kind != KindUnrecognized && s.Kind != KindDisconnected
}

// idle retorna o estado Registered sem ação em andamento.
func (s State) idle() State {
	return State{Kind: KindRegistered, Identity: s.Identity}
}

func (s State) withKind(k Kind) State {
	s.Kind = k
	return s
}

// Event é uma entrada da máquina de estados.
type Event interface{ event() }

// MessageReceived é uma mensagem do agent no canal de controle.
type MessageReceived struct{ Msg protocol.ControlMessage }

// PrepareBackup inicia a preparação de um backup.
type PrepareBackup struct {
	Job   Job
	Order Order
}

// ExecuteBackup dispara a transferência do backup.
type ExecuteBackup struct{}

// PostActionBackup dispara as ações pós-backup.
type PostActionBackup struct{}

// PrepareRestore inicia a preparação de um restore.
type PrepareRestore struct {
	Job   Job
	Order Order
}

// ExecuteRestore dispara a transferência do restore.
type ExecuteRestore struct{}

// PostActionRestore dispara as ações pós-restore.
type PostActionRestore struct{}

// Finish encerra a ação com sucesso.
type Finish struct{}

// Cancel aborta a ação em andamento.
type Cancel struct{}

// ConnectionClosed indica fim do stream de controle (normal ou por erro).
type ConnectionClosed struct{ Err error }

func (MessageReceived) event()   {}
func (PrepareBackup) event()     {}
func (ExecuteBackup) event()     {}
func (PostActionBackup) event()  {}
func (PrepareRestore) event()    {}
func (ExecuteRestore) event()    {}
func (PostActionRestore) event() {}
func (Finish) event()            {}
func (Cancel) event()            {}
func (ConnectionClosed) event()  {}

// Effect é um efeito colateral produzido por uma transição.
type Effect interface{ effect() }

// SendMessage envia Msg ao agent.
type SendMessage struct{ Msg protocol.ControlMessage }

// NotifyStageComplete repassa o resultado de uma etapa ao job.
type NotifyStageComplete struct {
	Job     Job
	Success bool
	Message string
}

// NotifyDisconnect avisa o job que o agent caiu no meio da ação.
type NotifyDisconnect struct{ Job Job }

// RegisterAgent adiciona a sessão ao repositório com a identidade do próximo estado.
type RegisterAgent struct{}

// DeregisterAgent remove a sessão do repositório.
type DeregisterAgent struct{}

// CloseConnection envia um ErrorMessage derivado de Err e fecha o canal.
type CloseConnection struct{ Err error }

// LogEvent registra uma mensagem no logger da sessão.
type LogEvent struct {
	Level slog.Level
	Msg   string
	Args  []any
}

func (SendMessage) effect()         {}
func (NotifyStageComplete) effect() {}
func (NotifyDisconnect) effect()    {}
func (RegisterAgent) effect()       {}
func (DeregisterAgent) effect()     {}
func (CloseConnection) effect()     {}
func (LogEvent) effect()            {}

// Transition é o resultado de Next.
type Transition struct {
	Next    State
	Effects []Effect
}

func stay(s State, effects ...Effect) Transition {
	return Transition{Next: s, Effects: effects}
}

func ignore(s State, ev Event) Transition {
	return stay(s, LogEvent{
		Level: slog.LevelWarn,
		Msg:   "ignoring out of order call",
		Args:  []any{"state", s.Kind.String(), "event", fmt.Sprintf("%T", ev)},
	})
}

// Next é a função de transição da sessão. É total: todo par (estado, evento) produz
// uma transição, no pior caso sem mudança de estado e com um log.
func Next(s State, ev Event) Transition {
	if s.Kind == KindDisconnected {
		return stay(s, LogEvent{Level: slog.LevelDebug, Msg: "event after disconnect",
			Args: []any{"event", fmt.Sprintf("%T", ev)}})
	}

	switch e := ev.(type) {
	case MessageReceived:
		if !s.registered() {
			return onUnrecognizedMessage(s, e.Msg)
		}
		return onRegisteredMessage(s, e.Msg)

	case ConnectionClosed:
		effects := []Effect{LogEvent{Level: slog.LevelInfo, Msg: "control channel closed",
			Args: []any{"state", s.Kind.String(), "error", e.Err}}}
		if s.Job != nil {
			effects = append(effects, NotifyDisconnect{Job: s.Job})
		}
		if s.registered() {
			effects = append(effects, DeregisterAgent{})
		}
		return Transition{Next: State{Kind: KindDisconnected, Identity: s.Identity}, Effects: effects}
	}

	if _, ok := ev.(Cancel); ok {
		return onCancel(s)
	}

	if !s.registered() {
		return ignore(s, ev)
	}

	switch e := ev.(type) {
	case PrepareBackup:
		if s.Kind != KindRegistered {
			return ignore(s, ev)
		}
		e.Order.Action = protocol.ActionBackup
		next := State{Kind: KindPreparingBackup, Identity: s.Identity, Job: e.Job, Order: e.Order}
		return stay(next, SendMessage{Msg: preparation(e.Order)})

	case ExecuteBackup:
		if s.Kind != KindPreparingBackup {
			return ignore(s, ev)
		}
		return stay(s.withKind(KindExecutingBackup), SendMessage{Msg: execution(s.Order)})

	case PostActionBackup:
		if s.Kind != KindExecutingBackup {
			return ignore(s, ev)
		}
		return stay(s.withKind(KindPostActionBackup), SendMessage{Msg: postActions(s.Order)})

	case PrepareRestore:
		if s.Kind != KindRegistered {
			return ignore(s, ev)
		}
		e.Order.Action = protocol.ActionRestore
		next := State{Kind: KindPreparingRestore, Identity: s.Identity, Job: e.Job, Order: e.Order}
		return stay(next, SendMessage{Msg: preparation(e.Order)})

	case ExecuteRestore:
		if s.Kind != KindPreparingRestore {
			return ignore(s, ev)
		}
		return stay(s.withKind(KindExecutingRestore), SendMessage{Msg: execution(s.Order)})

	case PostActionRestore:
		if s.Kind != KindExecutingRestore {
			return ignore(s, ev)
		}
		return stay(s.withKind(KindPostActionRestore), SendMessage{Msg: postActions(s.Order)})

	case Finish:
		return stay(s.idle(), LogEvent{Level: slog.LevelDebug, Msg: "action finished",
			Args: []any{"state", s.Kind.String()}})

	}

	return ignore(s, ev)
}

// onCancel envia Cancel em qualquer estado ativo. Com ação em andamento a sessão
// aguarda o ack em Cancelling; sem ação o agent só é avisado e o estado não muda.
func onCancel(s State) Transition {
	if s.Kind == KindCancelling {
		return stay(s)
	}
	cancel := SendMessage{Msg: protocol.Cancel{Action: s.Order.Action}}
	if s.Job == nil {
		return stay(s, cancel, LogEvent{Level: slog.LevelDebug, Msg: "cancel without running action",
			Args: []any{"state", s.Kind.String()}})
	}
	return stay(s.withKind(KindCancelling), cancel,
		LogEvent{Level: slog.LevelInfo, Msg: "cancelling action", Args: []any{"state", s.Kind.String()}})
}

func onUnrecognizedMessage(s State, msg protocol.ControlMessage) Transition {
	reg, ok := msg.(protocol.Register)
	if !ok {
		return stay(s, CloseConnection{Err: fmt.Errorf("%w: %T received before register", ErrProtocol, msg)})
	}

	if reg.AgentID == "" {
		return stay(s, CloseConnection{Err: &RegistrationError{Err: ErrMissingAgentID}})
	}
	if err := validation.ValidateID(reg.AgentID); err != nil {
		return stay(s, CloseConnection{Err: err})
	}

	next := State{
		Kind: KindRegistered,
		Identity: Identity{
			AgentID:         reg.AgentID,
			Scope:           reg.Scope,
			APIVersion:      reg.APIVersion,
			SoftwareVersion: reg.SoftwareVersion,
		},
	}
	effects := []Effect{RegisterAgent{}}
	if protocol.SupportsRegisterAck(reg.APIVersion) {
		effects = append(effects, SendMessage{Msg: protocol.RegisterAcknowledge{
			Message: fmt.Sprintf("agent %s registered", reg.AgentID),
		}})
	}
	effects = append(effects, LogEvent{Level: slog.LevelInfo, Msg: "agent registered",
		Args: []any{"scope", reg.Scope, "api_version", reg.APIVersion,
			"product", reg.SoftwareVersion.ProductName}})
	return Transition{Next: next, Effects: effects}
}

func onRegisteredMessage(s State, msg protocol.ControlMessage) Transition {
	switch m := msg.(type) {
	case protocol.StageComplete:
		if s.Job == nil {
			return stay(s, LogEvent{Level: slog.LevelWarn, Msg: "stage complete without running action",
				Args: []any{"success", m.Success, "message", m.Message}})
		}
		notify := NotifyStageComplete{Job: s.Job, Success: m.Success, Message: m.Message}
		if s.Kind == KindCancelling {
			return stay(s.idle(), notify)
		}
		return stay(s, notify)

	case protocol.Register:
		return stay(s, CloseConnection{Err: fmt.Errorf("%w: agent %s registered twice", ErrProtocol, s.Identity.AgentID)})

	default:
		return stay(s, CloseConnection{Err: fmt.Errorf("%w: unexpected %T in state %s", ErrProtocol, msg, s.Kind)})
	}
}

func preparation(o Order) protocol.Preparation {
	return protocol.Preparation{
		Action:          o.Action,
		BackupName:      o.BackupName,
		BackupType:      o.BackupType,
		SoftwareVersion: o.SoftwareVersion,
		Fragments:       o.Fragments,
	}
}

func execution(o Order) protocol.Execution {
	return protocol.Execution{Action: o.Action, BackupName: o.BackupName, BackupType: o.BackupType}
}

func postActions(o Order) protocol.PostActions {
	return protocol.PostActions{Action: o.Action, BackupName: o.BackupName, BackupType: o.BackupType}
}
