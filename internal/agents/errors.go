// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agents

import (
	"errors"
	"fmt"

	"github.com/nishisan-dev/n-bro/internal/protocol"
	"github.com/nishisan-dev/n-bro/internal/validation"
)

var (
	// ErrMissingAgentID indica um Register sem agentId.
	ErrMissingAgentID = errors.New("agent id is missing")
	// ErrDuplicateAgentID indica um agentId já registrado por outra sessão.
	ErrDuplicateAgentID = errors.New("agent id already registered")
	// ErrProtocol indica mensagem inválida para o estado da sessão.
	ErrProtocol = errors.New("agent protocol error")
)

// RegistrationError descreve a rejeição de um registro.
type RegistrationError struct {
	AgentID string
	Err     error
}

func (e *RegistrationError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("agent registration rejected: %v", e.Err)
	}
	return fmt.Sprintf("agent %q registration rejected: %v", e.AgentID, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// StatusFor mapeia o erro que encerra uma sessão para o status do ErrorMessage.
func StatusFor(err error) byte {
	switch {
	case errors.Is(err, ErrMissingAgentID), errors.Is(err, validation.ErrInvalidID):
		return protocol.StatusInvalidArgument
	case errors.Is(err, ErrDuplicateAgentID):
		return protocol.StatusAlreadyExists
	case errors.Is(err, ErrProtocol):
		return protocol.StatusFailedPrecondition
	default:
		return protocol.StatusInternal
	}
}
