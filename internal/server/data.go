// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/n-bro/internal/backupstate"
	"github.com/nishisan-dev/n-bro/internal/fragment"
	"github.com/nishisan-dev/n-bro/internal/job"
	"github.com/nishisan-dev/n-bro/internal/protocol"
)

// restoreSource é a visão que o canal de restore tem do RestoreJob em execução.
type restoreSource interface {
	BackupName() string
	Fragment(agentID, fragmentID string) (*fragment.Fragment, error)
	AddTransferredBytes(agentID string, n int64)
}

func (s *Server) writeAck(w io.Writer, success bool, message string, logger *slog.Logger) {
	if err := protocol.WriteDataMessage(w, protocol.DataAck{Success: success, Message: message}); err != nil {
		logger.Debug("writing data ack failed", "error", err)
	}
}

// handleBackupData recebe um fragmento: Metadata, chunks de arquivo e DataEnd, respondido com DataAck.
func (s *Server) handleBackupData(ctx context.Context, conn net.Conn, br *bufio.Reader, logger *slog.Logger) {
	out := deadlineWriter{conn: conn, timeout: s.writeTimeout}

	var bj backupstate.Job
	if j, ok := s.jobs.RunningJob(job.TypeCreateBackup); ok {
		bj, _ = j.(backupstate.Job)
	}
	if bj == nil {
		logger.Warn("backup data channel without running backup")
		s.writeAck(out, false, "no backup in progress", logger)
		return
	}

	streamID := s.streams.Allocate()
	defer s.streams.Release(streamID)
	logger = logger.With("stream", streamID, "backup_manager", bj.BackupManagerID(), "backup", bj.BackupName())
	logger.Debug("backup data channel opened")

	rcv := backupstate.NewReceiver(bj, s.store, logger)
	for {
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		msg, err := protocol.ReadDataMessage(br)
		if err != nil {
			logger.Warn("backup data channel interrupted", "phase", rcv.Phase().String(), "error", err)
			rcv.Fail(ctx)
			return
		}

		if _, end := msg.(protocol.DataEnd); end {
			if err := rcv.Complete(ctx); err != nil {
				s.writeAck(out, false, err.Error(), logger)
				return
			}
			s.writeAck(out, true, "", logger)
			return
		}

		if err := rcv.ProcessMessage(ctx, msg); err != nil {
			s.writeAck(out, false, err.Error(), logger)
			return
		}
	}
}

// handleRestoreData atende um RestoreRequest enviando o fragmento pedido.
// Falhas são respondidas com DataAck{Success: false}.
func (s *Server) handleRestoreData(ctx context.Context, conn net.Conn, br *bufio.Reader, logger *slog.Logger) {
	bw := bufio.NewWriterSize(deadlineWriter{conn: conn, timeout: s.writeTimeout}, 64*1024)
	defer func() {
		if err := bw.Flush(); err != nil {
			logger.Debug("flushing restore channel failed", "error", err)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	msg, err := protocol.ReadDataMessage(br)
	if err != nil {
		logger.Warn("reading restore request", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	req, ok := msg.(protocol.RestoreRequest)
	if !ok {
		s.writeAck(bw, false, fmt.Sprintf("expected restore request, got %T", msg), logger)
		return
	}
	logger = logger.With("agent", req.AgentID, "backup", req.BackupName, "fragment", req.FragmentID)

	frag, src, err := s.resolveRestore(req)
	if err != nil {
		logger.Warn("restore request rejected", "error", err)
		s.writeAck(bw, false, err.Error(), logger)
		return
	}

	n, err := s.sender.SendFragment(ctx, bw, frag)
	src.AddTransferredBytes(req.AgentID, n)
	if err != nil {
		logger.Error("sending fragment failed", "bytes", n, "error", err)
		s.writeAck(bw, false, err.Error(), logger)
		return
	}
}

func (s *Server) resolveRestore(req protocol.RestoreRequest) (*fragment.Fragment, restoreSource, error) {
	var src restoreSource
	if j, ok := s.jobs.RunningJob(job.TypeRestore); ok {
		src, _ = j.(restoreSource)
	}
	if src == nil {
		return nil, nil, fmt.Errorf("no restore in progress")
	}
	if src.BackupName() != req.BackupName {
		return nil, nil, fmt.Errorf("backup %s is not being restored", req.BackupName)
	}
	frag, err := src.Fragment(req.AgentID, req.FragmentID)
	if err != nil {
		return nil, nil, err
	}
	return frag, src, nil
}
