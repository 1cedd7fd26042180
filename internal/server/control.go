// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nishisan-dev/n-bro/internal/agents"
	"github.com/nishisan-dev/n-bro/internal/logging"
	"github.com/nishisan-dev/n-bro/internal/protocol"
)

// controlStream é o agents.Conn de uma conexão de controle.
type controlStream struct {
	conn         net.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *controlStream) Send(msg protocol.ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	return protocol.WriteControlMessage(deadlineWriter{conn: c.conn, timeout: c.writeTimeout}, msg)
}

// Close envia o ErrorMessage correspondente a err (se houver) e fecha a conexão.
// Chamadas seguintes são no-op.
func (c *controlStream) Close(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err != nil {
		msg := protocol.ErrorMessage{Status: agents.StatusFor(err), Message: err.Error()}
		protocol.WriteControlMessage(deadlineWriter{conn: c.conn, timeout: c.writeTimeout}, msg)
	}
	return c.conn.Close()
}

// handleControl cria a sessão do agent e alimenta a máquina de estados com as
// mensagens lidas até o canal cair.
func (s *Server) handleControl(conn net.Conn, br *bufio.Reader, logger *slog.Logger) {
	stream := &controlStream{conn: conn, writeTimeout: s.writeTimeout}
	a := agents.NewAgent(stream, s.agents, logger)

	var session *logging.Session
	rejected := false

	for {
		msg, err := protocol.ReadControlMessage(br)
		if err != nil {
			a.HandleClosedConnection(err)
			if session != nil {
				// Sessão encerrada limpa não precisa do log dedicado.
				if errors.Is(err, io.EOF) && !rejected {
					session.Discard()
				} else {
					session.Close()
				}
			}
			return
		}

		if err := a.ProcessMessage(msg); err != nil {
			rejected = true
			logger.Warn("control message rejected", "error", err)
			continue
		}

		if session == nil && a.Kind() != agents.KindUnrecognized {
			session = s.openSession(a, logger)
		}
	}
}

// openSession troca o logger do agent recém-registrado pelo log dedicado da sessão.
func (s *Server) openSession(a *agents.Agent, logger *slog.Logger) *logging.Session {
	agentID := a.ID()
	sessionID := uuid.NewString()

	session, err := logging.OpenSession(logger, s.sessionLogDir, agentID, sessionID)
	if err != nil {
		logger.Warn("session log unavailable", "agent", agentID, "error", err)
		return &logging.Session{Logger: logger}
	}
	a.SetLogger(session.Logger.With("agent", agentID, "session", sessionID))
	if session.Path != "" {
		logger.Debug("session log opened", "agent", agentID, "path", session.Path)
	}
	return session
}
