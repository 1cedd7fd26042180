// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package restore envia fragmentos persistidos de volta a um agent pelo canal
// de dados de restore, chunk a chunk, revalidando o checksum armazenado.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nishisan-dev/n-bro/internal/checksum"
	"github.com/nishisan-dev/n-bro/internal/fragment"
	"github.com/nishisan-dev/n-bro/internal/protocol"
	"github.com/nishisan-dev/n-bro/internal/storage"
	"github.com/nishisan-dev/n-bro/internal/throttle"
	"golang.org/x/time/rate"
)

// DefaultChunkSize é o tamanho de chunk usado quando nenhum é configurado.
const DefaultChunkSize = 512 * 1024

// DownloadError indica que o arquivo lido do storage não confere com o checksum armazenado.
type DownloadError struct {
	Key string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("restore of %s failed consistency check: %v", e.Key, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Sender transmite arquivos do storage como sequências filename → conteúdo → checksum.
type Sender struct {
	store     storage.Store
	chunkSize int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewSender cria um Sender. chunkSize <= 0 usa DefaultChunkSize (limitado ao frame máximo);
// bytesPerSec <= 0 desliga o throttle.
func NewSender(store storage.Store, chunkSize int, bytesPerSec int64, logger *slog.Logger) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	// Chunk + campos do payload precisam caber em um frame.
	chunkSize = min(chunkSize, protocol.MaxFrameSize-64*1024)
	return &Sender{
		store:     store,
		chunkSize: chunkSize,
		limiter:   throttle.NewLimiter(bytesPerSec),
		logger:    logger,
	}
}

// RestoreBackupFile envia um arquivo de dados do fragmento. Retorna os bytes de conteúdo enviados.
func (s *Sender) RestoreBackupFile(ctx context.Context, w io.Writer, loc fragment.Location, fileName string) (int64, error) {
	return s.sendFile(ctx, w, loc, loc.DataKey(fileName), fileName, func(c protocol.FileChunk) protocol.DataMessage {
		return protocol.BackupFileChunk{FileChunk: c}
	})
}

// RestoreCustomMetadataFile envia um arquivo de custom metadata do fragmento.
func (s *Sender) RestoreCustomMetadataFile(ctx context.Context, w io.Writer, loc fragment.Location, fileName string) (int64, error) {
	return s.sendFile(ctx, w, loc, loc.CustomKey(fileName), fileName, func(c protocol.FileChunk) protocol.DataMessage {
		return protocol.CustomMetadataChunk{FileChunk: c}
	})
}

// SendFragment envia Metadata, todos os arquivos de dados, todos os de custom metadata e DataEnd.
func (s *Sender) SendFragment(ctx context.Context, w io.Writer, frag *fragment.Fragment) (int64, error) {
	meta := protocol.Metadata{
		AgentID:           frag.AgentID,
		BackupName:        frag.BackupName,
		FragmentID:        frag.FragmentID,
		Version:           frag.Version,
		SizeInBytes:       frag.SizeInBytes,
		CustomInformation: frag.CustomInformation,
	}
	if err := protocol.WriteDataMessage(w, meta); err != nil {
		return 0, err
	}

	var total int64
	for _, name := range frag.DataFiles {
		n, err := s.RestoreBackupFile(ctx, w, frag.Location, name)
		total += n
		if err != nil {
			return total, err
		}
	}
	for _, name := range frag.CustomMetadataFiles {
		n, err := s.RestoreCustomMetadataFile(ctx, w, frag.Location, name)
		total += n
		if err != nil {
			return total, err
		}
	}

	if err := protocol.WriteDataMessage(w, protocol.DataEnd{}); err != nil {
		return total, err
	}
	s.logger.Info("fragment restored", "agent", frag.AgentID, "fragment", frag.FragmentID, "bytes", total)
	return total, nil
}

func (s *Sender) sendFile(ctx context.Context, w io.Writer, loc fragment.Location, key, fileName string,
	wrap func(protocol.FileChunk) protocol.DataMessage) (int64, error) {

	rc, err := s.store.Open(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", key, err)
	}
	defer rc.Close()

	if err := protocol.WriteDataMessage(w, wrap(protocol.FileChunk{FileName: fileName})); err != nil {
		return 0, err
	}

	sum := checksum.NewCalculator()
	buf := make([]byte, s.chunkSize)
	var sent int64
	for {
		n, readErr := io.ReadFull(rc, buf)
		if n > 0 {
			if err := throttle.Wait(ctx, s.limiter, n); err != nil {
				return sent, err
			}
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
			return sent, fmt.Errorf("reading %s: %w", key, readErr)
		}
	}

	computed := sum.Sum()
	if err := s.verify(ctx, key, loc.ChecksumKey(key), computed); err != nil {
		return sent, err
	}

	if err := protocol.WriteDataMessage(w, wrap(protocol.FileChunk{Checksum: computed})); err != nil {
		return sent, err
	}
	s.logger.Debug("file restored", "file", fileName, "bytes", sent, "checksum", computed)
	return sent, nil
}

// verify compara com o sidecar armazenado. Backups sem sidecar são aceitos.
func (s *Sender) verify(ctx context.Context, key, sumKey, computed string) error {
	stored, err := s.store.ReadFile(ctx, sumKey)
	if err != nil {
		if storage.IsNotExist(err) {
			s.logger.Debug("no stored checksum, skipping validation", "key", key)
			return nil
		}
		return fmt.Errorf("reading stored checksum of %s: %w", key, err)
	}
	if err := checksum.Validate(computed, string(stored)); err != nil {
		return &DownloadError{Key: key, Err: err}
	}
	return nil
}

// IsDownloadError indica se err é uma falha de consistência no restore.
func IsDownloadError(err error) bool {
	var de *DownloadError
	return errors.As(err, &de)
}
