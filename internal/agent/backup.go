// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nishisan-dev/n-bro/internal/checksum"
	"github.com/nishisan-dev/n-bro/internal/config"
	"github.com/nishisan-dev/n-bro/internal/protocol"
	"github.com/nishisan-dev/n-bro/internal/throttle"
)

// ackTimeout limita a espera pelo DataAck depois do DataEnd. O orchestrator
// finaliza os arquivos no storage antes de responder.
const ackTimeout = 5 * time.Minute

// ErrUploadRejected indica um DataAck negativo do orchestrator.
var ErrUploadRejected = errors.New("upload rejected by orchestrator")

// uploadAll envia cada fragmento configurado em um canal de dados próprio.
func (a *Agent) uploadAll(ctx context.Context, backupName string) error {
	for _, f := range a.cfg.Fragments {
		if err := a.uploadFragment(ctx, backupName, f); err != nil {
			return fmt.Errorf("fragment %s: %w", f.ID, err)
		}
	}
	return nil
}

func (a *Agent) uploadFragment(ctx context.Context, backupName string, entry config.FragmentEntry) error {
	logger := a.logger.With("backup", backupName, "fragment", entry.ID)
	start := time.Now()

	info, err := os.Stat(entry.Path)
	if err != nil {
		return err
	}

	conn, err := a.dialer.Dial(ctx, protocol.MagicBackupData)
	if err != nil {
		return fmt.Errorf("opening backup data channel: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	bw := bufio.NewWriterSize(throttle.NewWriter(ctx, conn, a.cfg.Transfer.RateLimitRaw), 64*1024)
	meta := protocol.Metadata{
		AgentID:           a.cfg.Agent.ID,
		BackupName:        backupName,
		FragmentID:        entry.ID,
		Version:           entry.Version,
		SizeInBytes:       strconv.FormatInt(info.Size(), 10),
		CustomInformation: entry.CustomInformation,
	}

	sent, err := a.writeFragment(ctx, bw, meta, entry)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		// O orchestrator pode ter respondido com o motivo antes de fechar o canal.
		if reason := readRejection(conn); reason != nil {
			return reason
		}
		return err
	}

	conn.SetReadDeadline(time.Now().Add(ackTimeout))
	ack, err := readAck(conn)
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s", ErrUploadRejected, ack.Message)
	}
	logger.Info("fragment uploaded", "bytes", sent, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func (a *Agent) writeFragment(ctx context.Context, w io.Writer, meta protocol.Metadata, entry config.FragmentEntry) (int64, error) {
	if err := protocol.WriteDataMessage(w, meta); err != nil {
		return 0, err
	}
	total, err := a.sendFile(ctx, w, entry.Path, backupChunk)
	if err != nil {
		return total, err
	}
	for _, p := range entry.CustomMetadata {
		n, err := a.sendFile(ctx, w, p, customChunk)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, protocol.WriteDataMessage(w, protocol.DataEnd{})
}

func backupChunk(c protocol.FileChunk) protocol.DataMessage {
	return protocol.BackupFileChunk{FileChunk: c}
}

func customChunk(c protocol.FileChunk) protocol.DataMessage {
	return protocol.CustomMetadataChunk{FileChunk: c}
}

// sendFile escreve filename → conteúdo → checksum (MD5 hex) de path.
func (a *Agent) sendFile(ctx context.Context, w io.Writer, path string,
	wrap func(protocol.FileChunk) protocol.DataMessage) (int64, error) {

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := protocol.WriteDataMessage(w, wrap(protocol.FileChunk{FileName: filepath.Base(path)})); err != nil {
		return 0, err
	}

	sum := checksum.NewCalculator()
	buf := make([]byte, a.chunkSize())
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			sum.Write(buf[:n])
			if err := protocol.WriteDataMessage(w, wrap(protocol.FileChunk{Content: buf[:n]})); err != nil {
				return sent, err
			}
			sent += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return sent, fmt.Errorf("reading %s: %w", path, readErr)
		}
	}

	if err := protocol.WriteDataMessage(w, wrap(protocol.FileChunk{Checksum: sum.Sum()})); err != nil {
		return sent, err
	}
	a.logger.Debug("file sent", "file", path, "bytes", sent)
	return sent, nil
}

func (a *Agent) chunkSize() int {
	size := int(a.cfg.Transfer.ChunkSizeRaw)
	if size <= 0 {
		size = 512 * 1024
	}
	// Chunk + campos do payload precisam caber em um frame.
	return min(size, protocol.MaxFrameSize-64*1024)
}

func readAck(r io.Reader) (protocol.DataAck, error) {
	msg, err := protocol.ReadDataMessage(r)
	if err != nil {
		return protocol.DataAck{}, fmt.Errorf("reading data ack: %w", err)
	}
	ack, ok := msg.(protocol.DataAck)
	if !ok {
		return protocol.DataAck{}, fmt.Errorf("%w: %T instead of data ack", protocol.ErrUnexpectedMessage, msg)
	}
	return ack, nil
}

// readRejection tenta ler um DataAck negativo já enviado pelo orchestrator.
func readRejection(conn net.Conn) error {
	conn.SetReadDeadline(time.Now().Add(time.Second))
	ack, err := readAck(conn)
	if err != nil || ack.Success {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUploadRejected, ack.Message)
}
