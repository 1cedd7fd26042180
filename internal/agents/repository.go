// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agents

import (
	"log/slog"
	"strings"
	"sync"
)

// DefaultScope é o backup manager do qual todo agent participa.
const DefaultScope = "DEFAULT"

// VirtualManagerCreator cria o vBRM {parent}-{agent} de um agent.
// Implementações ignoram parents inexistentes.
type VirtualManagerCreator interface {
	EnsureVirtual(parentID, agentID string) error
}

// ConnectedRecorder recebe o total de agents registrados a cada mudança.
type ConnectedRecorder interface {
	SetAgentsConnected(n int)
}

// ParseScopes divide o scope declarado no Register. DEFAULT é sempre o primeiro.
func ParseScopes(scope string) []string {
	scopes := []string{DefaultScope}
	seen := map[string]bool{DefaultScope: true}
	for _, s := range strings.Split(scope, ";") {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		scopes = append(scopes, s)
	}
	return scopes
}

type entry struct {
	id     string
	scopes []string
	agent  *Agent
}

// Repository guarda as sessões registradas. Mutações são serializadas por um
// único lock; leituras devolvem cópias para uso fora do lock.
type Repository struct {
	mu      sync.Mutex
	entries []entry

	creator  VirtualManagerCreator
	recorder ConnectedRecorder
	logger   *slog.Logger
}

// NewRepository cria um repositório vazio.
func NewRepository(logger *slog.Logger) *Repository {
	return &Repository{logger: logger}
}

// SetVirtualManagerCreator define quem cria vBRMs no registro de um agent.
func (r *Repository) SetVirtualManagerCreator(c VirtualManagerCreator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creator = c
}

// SetRecorder define o destino da métrica de agents conectados.
func (r *Repository) SetRecorder(rec ConnectedRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

// Add registra a sessão. Rejeita ids vazios e ids já registrados.
func (r *Repository) Add(id Identity, a *Agent) error {
	if id.AgentID == "" {
		return &RegistrationError{Err: ErrMissingAgentID}
	}

	scopes := ParseScopes(id.Scope)

	r.mu.Lock()
	for _, e := range r.entries {
		if e.id == id.AgentID {
			r.mu.Unlock()
			return &RegistrationError{AgentID: id.AgentID, Err: ErrDuplicateAgentID}
		}
	}
	r.entries = append(r.entries, entry{id: id.AgentID, scopes: scopes, agent: a})
	n := len(r.entries)
	creator, recorder := r.creator, r.recorder
	r.mu.Unlock()

	if recorder != nil {
		recorder.SetAgentsConnected(n)
	}
	if creator != nil {
		for _, parent := range scopes {
			if err := creator.EnsureVirtual(parent, id.AgentID); err != nil {
				r.logger.Warn("creating virtual backup manager failed", "parent", parent,
					"agent", id.AgentID, "error", err)
			}
		}
	}
	return nil
}

// Remove tira a sessão a do repositório. Uma sessão diferente com o mesmo id
// (ex.: a que rejeitou um registro duplicado) não é afetada.
func (r *Repository) Remove(agentID string, a *Agent) {
	r.mu.Lock()
	removed := false
	for i, e := range r.entries {
		if e.id == agentID && e.agent == a {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			removed = true
			break
		}
	}
	n := len(r.entries)
	recorder := r.recorder
	r.mu.Unlock()

	if removed {
		r.logger.Info("agent deregistered", "agent", agentID)
		if recorder != nil {
			recorder.SetAgentsConnected(n)
		}
	}
}

// Get retorna a sessão registrada com agentID.
func (r *Repository) Get(agentID string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.id == agentID {
			return e.agent, true
		}
	}
	return nil, false
}

// Agents retorna um snapshot de todas as sessões registradas.
func (r *Repository) Agents() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Agent, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.agent)
	}
	return out
}

// AgentsInScope retorna um snapshot das sessões que participam de scope.
func (r *Repository) AgentsInScope(scope string) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Agent
	for _, e := range r.entries {
		for _, s := range e.scopes {
			if s == scope {
				out = append(out, e.agent)
				break
			}
		}
	}
	return out
}

// Len retorna o número de sessões registradas.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
