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
)

// DefaultStageTimeout limita a espera de cada etapa quando nenhum timeout é configurado.
const DefaultStageTimeout = 30 * time.Minute

// AgentSource resolve as sessões conectadas.
type AgentSource interface {
	Get(agentID string) (*agents.Agent, bool)
	AgentsInScope(scope string) []*agents.Agent
}

// Target identifica o backup manager alvo. Em um vBRM, AgentID restringe os
// participantes ao agent dono.
type Target struct {
	BackupManagerID string
	Scope           string
	AgentID         string
}

// stageTracker aguarda o StageComplete de todos os agents de uma etapa.
// A primeira falha encerra a etapa.
type stageTracker struct {
	name    string
	mu      sync.Mutex
	pending map[string]bool
	err     error
	done    chan struct{}
	closed  bool
}

func newStageTracker(name string, agentIDs []string) *stageTracker {
	t := &stageTracker{name: name, pending: make(map[string]bool), done: make(chan struct{})}
	for _, id := range agentIDs {
		t.pending[id] = true
	}
	if len(t.pending) == 0 {
		t.closeLocked()
	}
	return t
}

func (t *stageTracker) closeLocked() {
	if !t.closed {
		t.closed = true
		close(t.done)
	}
}

func (t *stageTracker) complete(agentID string, success bool, message string) {
	if success {
		t.finish(agentID, nil)
		return
	}
	t.finish(agentID, fmt.Errorf("%w: %s on agent %s: %s", ErrStageFailed, t.name, agentID, message))
}

func (t *stageTracker) finish(agentID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pending[agentID] || t.closed {
		return
	}
	delete(t.pending, agentID)
	if err != nil {
		t.err = err
		t.closeLocked()
		return
	}
	if len(t.pending) == 0 {
		t.closeLocked()
	}
}

func (t *stageTracker) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		t.mu.Lock()
		defer t.mu.Unlock()
		var ids []string
		for id := range t.pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return fmt.Errorf("%w: %s waiting for %s", ErrStageTimeout, t.name, strings.Join(ids, ", "))
	}
}

// coordinator conduz um conjunto de sessões pelas etapas de uma ação. É embutido
// pelos jobs de backup e restore, que herdam dele os callbacks de agents.Job.
type coordinator struct {
	id      string
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	sessions []*agents.Agent
	stage    *stageTracker
}

func (c *coordinator) ID() string { return c.id }

// StageComplete atende agents.Job.
func (c *coordinator) StageComplete(agentID string, success bool, message string) {
	c.mu.Lock()
	st := c.stage
	c.mu.Unlock()
	if st == nil {
		c.logger.Warn("stage complete outside of a stage", "agent", agentID)
		return
	}
	c.logger.Debug("stage complete", "stage", st.name, "agent", agentID, "success", success, "message", message)
	st.complete(agentID, success, message)
}

// AgentDisconnected atende agents.Job.
func (c *coordinator) AgentDisconnected(agentID string) {
	c.mu.Lock()
	st := c.stage
	c.mu.Unlock()
	c.logger.Warn("agent disconnected during job", "agent", agentID)
	if st != nil {
		st.finish(agentID, fmt.Errorf("%w: %s", ErrAgentDisconnected, agentID))
	}
}

func (c *coordinator) participants() []*agents.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*agents.Agent(nil), c.sessions...)
}

func (c *coordinator) isParticipant(agentID string) bool {
	for _, a := range c.participants() {
		if a.ID() == agentID {
			return true
		}
	}
	return false
}

func (c *coordinator) setParticipants(sessions []*agents.Agent) {
	c.mu.Lock()
	c.sessions = sessions
	c.mu.Unlock()
}

// runStage arma o tracker, dispara start em cada sessão e espera todos concluírem.
// O tracker é armado antes dos envios porque a resposta pode chegar antes do retorno de start.
// Uma sessão que não chega a expect ignorou a ordem e falha a etapa.
func (c *coordinator) runStage(ctx context.Context, name string, expect agents.Kind, start func(a *agents.Agent) error) error {
	sessions := c.participants()
	ids := make([]string, len(sessions))
	for i, a := range sessions {
		ids[i] = a.ID()
	}

	st := newStageTracker(name, ids)
	c.mu.Lock()
	c.stage = st
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.stage == st {
			c.stage = nil
		}
		c.mu.Unlock()
	}()

	c.logger.Info("stage started", "stage", name, "agents", len(sessions))
	for _, a := range sessions {
		if a.Cancelled() {
			st.finish(a.ID(), fmt.Errorf("%w: %s", ErrAgentDisconnected, a.ID()))
			continue
		}
		if err := start(a); err != nil {
			st.finish(a.ID(), fmt.Errorf("%s on agent %s: %w", name, a.ID(), err))
			continue
		}
		switch k := a.Kind(); k {
		case expect:
		case agents.KindDisconnected:
			st.finish(a.ID(), fmt.Errorf("%w: %s", ErrAgentDisconnected, a.ID()))
		default:
			st.finish(a.ID(), fmt.Errorf("%w: %s on agent %s: session is %s", ErrStageFailed, name, a.ID(), k))
		}
	}
	return st.wait(ctx, c.timeout)
}

// abort cancela a ação em todos os participantes, espera (limitado) os acks de
// cancelamento e devolve todas as sessões a Registered.
func (c *coordinator) abort() {
	sessions := c.participants()
	ids := make([]string, len(sessions))
	for i, a := range sessions {
		ids[i] = a.ID()
	}

	st := newStageTracker("cancel", ids)
	c.mu.Lock()
	c.stage = st
	c.mu.Unlock()

	for _, a := range sessions {
		// Sem Cancel no fio não há ack a esperar.
		if err := a.CancelAction(); err != nil {
			c.logger.Warn("cancel failed", "agent", a.ID(), "error", err)
			st.finish(a.ID(), nil)
			continue
		}
		if a.Kind() != agents.KindCancelling {
			st.finish(a.ID(), nil)
		}
	}

	timeout := c.timeout
	if timeout > time.Minute {
		timeout = time.Minute
	}
	if err := st.wait(context.Background(), timeout); err != nil {
		c.logger.Warn("cancel not acknowledged by every agent", "error", err)
	}

	c.mu.Lock()
	c.stage = nil
	c.mu.Unlock()
	c.finishAll()
}

func (c *coordinator) finishAll() {
	for _, a := range c.participants() {
		if err := a.FinishAction(); err != nil {
			c.logger.Warn("finish failed", "agent", a.ID(), "error", err)
		}
	}
}

func resolveParticipants(source AgentSource, target Target) []*agents.Agent {
	all := source.AgentsInScope(target.Scope)
	if target.AgentID == "" {
		return all
	}
	var out []*agents.Agent
	for _, a := range all {
		if a.ID() == target.AgentID {
			out = append(out, a)
		}
	}
	return out
}
