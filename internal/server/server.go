// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o transporte do orchestrator: aceita conexões de agents e
// despacha cada uma pelo preâmbulo para o canal de controle ou para um canal de dados.
package server

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-bro/internal/agents"
	"github.com/nishisan-dev/n-bro/internal/job"
	"github.com/nishisan-dev/n-bro/internal/protocol"
	"github.com/nishisan-dev/n-bro/internal/restore"
	"github.com/nishisan-dev/n-bro/internal/storage"
)

const (
	// DefaultIdleTimeout é a inatividade máxima de leitura em canais de dados.
	DefaultIdleTimeout = 90 * time.Second
	// DefaultWriteTimeout limita cada escrita para o agent.
	DefaultWriteTimeout = 30 * time.Second
	// preambleTimeout limita a espera pelo preâmbulo de uma conexão nova.
	preambleTimeout = 10 * time.Second
)

// Options são as dependências do Server.
type Options struct {
	Agents        *agents.Repository
	Jobs          *job.Executor
	Store         storage.Store
	Sender        *restore.Sender
	SessionLogDir string // vazio desliga o log por sessão
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	Logger        *slog.Logger
}

// Server atende os três canais do protocolo.
type Server struct {
	agents        *agents.Repository
	jobs          *job.Executor
	store         storage.Store
	sender        *restore.Sender
	streams       *StreamRegistry
	sessionLogDir string
	idleTimeout   time.Duration
	writeTimeout  time.Duration
	logger        *slog.Logger

	activeConns atomic.Int32
}

// New cria o Server.
func New(opts Options) *Server {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	write := opts.WriteTimeout
	if write <= 0 {
		write = DefaultWriteTimeout
	}
	return &Server{
		agents:        opts.Agents,
		jobs:          opts.Jobs,
		store:         opts.Store,
		sender:        opts.Sender,
		streams:       NewStreamRegistry(),
		sessionLogDir: opts.SessionLogDir,
		idleTimeout:   idle,
		writeTimeout:  write,
		logger:        opts.Logger.With("component", "server"),
	}
}

// Streams retorna o registro de canais de dados de backup abertos.
func (s *Server) Streams() *StreamRegistry { return s.streams }

// ActiveConnections retorna o número de conexões sendo atendidas.
func (s *Server) ActiveConnections() int { return int(s.activeConns.Load()) }

// Serve aceita conexões em ln até ctx ser cancelado. Ao retornar, ln está fechado e
// todas as conexões foram encerradas.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		s.logger.Info("shutting down server")
		ln.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	s.logger.Info("server listening", "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("server shutdown complete")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accepting connection", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.HandleConnection(ctx, conn)
		}()
	}
}

// HandleConnection atende uma conexão até o fim do canal. Fecha conn ao retornar.
func (s *Server) HandleConnection(ctx context.Context, conn net.Conn) {
	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)
	defer conn.Close()

	// Cancelamento do ctx desbloqueia qualquer leitura pendente.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	br := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(preambleTimeout))
	magic, err := protocol.ReadPreamble(br)
	if err != nil {
		logger.Warn("reading preamble", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch magic {
	case protocol.MagicControl:
		s.handleControl(conn, br, logger.With("channel", "control"))
	case protocol.MagicBackupData:
		s.handleBackupData(ctx, conn, br, logger.With("channel", "backup_data"))
	case protocol.MagicRestoreData:
		s.handleRestoreData(ctx, conn, br, logger.With("channel", "restore_data"))
	default:
		logger.Warn("unknown channel magic", "magic", string(magic[:]))
	}
}

// deadlineWriter renova o deadline de escrita a cada Write.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.Write(p)
}
