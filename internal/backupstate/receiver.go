// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package backupstate processa o stream de um fragmento recebido em um canal de
// dados de backup: Metadata → FileData → CustomMetadata → Complete|Failed.
package backupstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nishisan-dev/n-bro/internal/checksum"
	"github.com/nishisan-dev/n-bro/internal/fragment"
	"github.com/nishisan-dev/n-bro/internal/protocol"
	"github.com/nishisan-dev/n-bro/internal/storage"
	"github.com/nishisan-dev/n-bro/internal/validation"
)

// Phase é o estado corrente do stream.
type Phase int

const (
	PhaseMetadata Phase = iota
	PhaseFileData
	PhaseCustomMetadata
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseMetadata:
		return "METADATA"
	case PhaseFileData:
		return "FILE_DATA"
	case PhaseCustomMetadata:
		return "CUSTOM_METADATA"
	case PhaseComplete:
		return "COMPLETE"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrProtocolViolation indica mensagem inválida para a fase corrente; fatal para o stream.
	ErrProtocolViolation = errors.New("backup stream: protocol violation")
	// ErrInvalidMetadata indica Metadata rejeitado.
	ErrInvalidMetadata = fragment.ErrInvalidMetadata
	// ErrNoMetadata indica Complete sem nenhum Metadata recebido.
	ErrNoMetadata = errors.New("backup stream: completed without metadata")
	// ErrStreamFailed indica Complete sobre um stream que já falhou.
	ErrStreamFailed = errors.New("backup stream: already failed")
)

// Job é a visão que o stream tem do CreateBackup em execução.
type Job interface {
	BackupManagerID() string
	BackupName() string
	FragmentReceived(agentID string, meta fragment.Metadata) error
	FragmentSucceeded(agentID, fragmentID string) error
	FragmentFailed(agentID, fragmentID string)
	AddTransferredBytes(agentID string, n int64)
}

// fragmentState é NoMetadataYet | knownFragment.
type fragmentState interface {
	isFragmentState()
}

type noMetadataYet struct{}

type knownFragment struct {
	meta fragment.Metadata
	loc  fragment.Location
}

func (noMetadataYet) isFragmentState() {}
func (knownFragment) isFragmentState() {}

// openFile é o arquivo sendo recebido entre o chunk de filename e o de checksum.
type openFile struct {
	name string
	key  string
	w    storage.Writer
	sum  *checksum.Calculator
}

// Receiver consome as mensagens de um único stream, em ordem de chegada.
// Não é seguro para uso concorrente: cada stream tem sua própria goroutine.
type Receiver struct {
	job    Job
	store  storage.Store
	files  *fragment.FileService
	logger *slog.Logger

	phase    Phase
	fragment fragmentState
	file     *openFile
}

// NewReceiver cria um Receiver na fase Metadata.
func NewReceiver(job Job, store storage.Store, logger *slog.Logger) *Receiver {
	return &Receiver{
		job:      job,
		store:    store,
		files:    fragment.NewFileService(store),
		logger:   logger,
		phase:    PhaseMetadata,
		fragment: noMetadataYet{},
	}
}

// Phase retorna a fase corrente.
func (r *Receiver) Phase() Phase {
	return r.phase
}

// Metadata retorna o Metadata do fragmento, se já recebido.
func (r *Receiver) Metadata() (fragment.Metadata, bool) {
	if k, ok := r.fragment.(knownFragment); ok {
		return k.meta, true
	}
	return fragment.Metadata{}, false
}

// ProcessMessage aplica msg à fase corrente. Erros são fatais para o stream:
// o Receiver já terá passado para Failed quando ProcessMessage retornar erro.
func (r *Receiver) ProcessMessage(ctx context.Context, msg protocol.DataMessage) error {
	var err error

	switch r.phase {
	case PhaseMetadata:
		err = r.onMetadata(msg)
	case PhaseFileData:
		chunk, ok := msg.(protocol.BackupFileChunk)
		if !ok {
			err = fmt.Errorf("%w: expected backup file chunk, got %T", ErrProtocolViolation, msg)
			break
		}
		err = r.onChunk(ctx, chunk.FileChunk, false)
	case PhaseCustomMetadata:
		chunk, ok := msg.(protocol.CustomMetadataChunk)
		if !ok {
			err = fmt.Errorf("%w: expected custom metadata chunk, got %T", ErrProtocolViolation, msg)
			break
		}
		err = r.onChunk(ctx, chunk.FileChunk, true)
	case PhaseComplete, PhaseFailed:
		r.logger.Info("ignoring message on finished stream", "phase", r.phase.String(), "message", fmt.Sprintf("%T", msg))
		return nil
	}

	if err != nil {
		r.logger.Error("backup stream failed", "phase", r.phase.String(), "error", err)
		r.Fail(ctx)
	}
	return err
}

func (r *Receiver) onMetadata(msg protocol.DataMessage) error {
	m, ok := msg.(protocol.Metadata)
	if !ok {
		return fmt.Errorf("%w: expected metadata, got %T", ErrProtocolViolation, msg)
	}

	meta := fragment.Metadata{
		AgentID:           m.AgentID,
		BackupName:        m.BackupName,
		FragmentID:        m.FragmentID,
		Version:           m.Version,
		SizeInBytes:       m.SizeInBytes,
		CustomInformation: m.CustomInformation,
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	if meta.BackupName != r.job.BackupName() {
		return fmt.Errorf("%w: backup %q does not match running backup %q",
			ErrInvalidMetadata, meta.BackupName, r.job.BackupName())
	}

	if err := r.job.FragmentReceived(meta.AgentID, meta); err != nil {
		return fmt.Errorf("registering fragment %s: %w", meta.FragmentID, err)
	}

	r.fragment = knownFragment{
		meta: meta,
		loc: fragment.Location{
			BackupManagerID: r.job.BackupManagerID(),
			BackupName:      r.job.BackupName(),
			AgentID:         meta.AgentID,
			FragmentID:      meta.FragmentID,
		},
	}
	r.phase = PhaseFileData
	r.logger.Debug("fragment metadata received", "agent", meta.AgentID, "fragment", meta.FragmentID,
		"size", meta.SizeInBytes, "version", meta.Version)
	return nil
}

func (r *Receiver) onChunk(ctx context.Context, chunk protocol.FileChunk, custom bool) error {
	known := r.fragment.(knownFragment)

	switch chunk.Kind() {
	case protocol.ChunkFileName:
		if r.file != nil {
			return fmt.Errorf("%w: file %q announced before %q was terminated",
				ErrProtocolViolation, chunk.FileName, r.file.name)
		}
		if err := validation.ValidateFileName(chunk.FileName); err != nil {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}

		// Custom metadata não declara tamanho; o storage usa o tier de tamanho desconhecido.
		key := known.loc.DataKey(chunk.FileName)
		var sizeHint int64
		if custom {
			key = known.loc.CustomKey(chunk.FileName)
		} else if n, err := strconv.ParseInt(known.meta.SizeInBytes, 10, 64); err == nil {
			sizeHint = n
		}

		w, err := r.store.Create(ctx, key, sizeHint)
		if err != nil {
			return fmt.Errorf("opening %s: %w", key, err)
		}
		r.file = &openFile{name: chunk.FileName, key: key, w: w, sum: checksum.NewCalculator()}
		r.logger.Debug("receiving file", "fragment", known.meta.FragmentID, "file", chunk.FileName, "custom", custom)
		return nil

	case protocol.ChunkContent:
		if r.file == nil {
			return fmt.Errorf("%w: content chunk without filename", ErrProtocolViolation)
		}
		return r.appendContent(known.meta.AgentID, chunk.Content)

	default: // ChunkChecksum
		if r.file == nil {
			return fmt.Errorf("%w: checksum chunk without filename", ErrProtocolViolation)
		}
		if len(chunk.Content) > 0 {
			if err := r.appendContent(known.meta.AgentID, chunk.Content); err != nil {
				return err
			}
		}

		f := r.file
		computed := f.sum.Sum()
		if err := checksum.Validate(computed, chunk.Checksum); err != nil {
			return fmt.Errorf("file %s: %w", f.name, err)
		}
		if err := r.store.WriteFile(ctx, known.loc.ChecksumKey(f.key), []byte(computed)); err != nil {
			return fmt.Errorf("writing checksum of %s: %w", f.name, err)
		}

		r.file = nil
		if err := f.w.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", f.name, err)
		}

		r.logger.Info("file received", "fragment", known.meta.FragmentID, "file", f.name,
			"bytes", f.sum.Bytes(), "checksum", computed)
		if r.phase == PhaseFileData {
			r.phase = PhaseCustomMetadata
		}
		return nil
	}
}

func (r *Receiver) appendContent(agentID string, content []byte) error {
	if _, err := r.file.w.Write(content); err != nil {
		return fmt.Errorf("writing %s: %w", r.file.name, err)
	}
	r.file.sum.Write(content)
	r.job.AddTransferredBytes(agentID, int64(len(content)))
	return nil
}

// Complete fecha o arquivo aberto, grava o Fragment.json e reporta sucesso ao job.
// Qualquer falha nesse caminho cai em Fail.
func (r *Receiver) Complete(ctx context.Context) error {
	switch r.phase {
	case PhaseFailed:
		r.logger.Error("complete called on failed backup stream")
		return ErrStreamFailed
	case PhaseComplete:
		return nil
	}

	var known knownFragment
	switch f := r.fragment.(type) {
	case noMetadataYet:
		r.logger.Warn("backup stream completed without metadata")
		r.Fail(ctx)
		return ErrNoMetadata
	case knownFragment:
		known = f
	}

	if err := r.complete(ctx, known); err != nil {
		r.logger.Error("completing fragment failed", "agent", known.meta.AgentID,
			"fragment", known.meta.FragmentID, "error", err)
		r.Fail(ctx)
		return err
	}

	r.phase = PhaseComplete
	r.logger.Info("fragment complete", "agent", known.meta.AgentID, "fragment", known.meta.FragmentID)
	return nil
}

func (r *Receiver) complete(ctx context.Context, known knownFragment) error {
	if r.file != nil {
		f := r.file
		r.file = nil
		if err := f.w.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", f.name, err)
		}
	}
	if err := r.files.WriteFragment(ctx, known.loc, known.meta); err != nil {
		return err
	}
	return r.job.FragmentSucceeded(known.meta.AgentID, known.meta.FragmentID)
}

// Fail descarta o arquivo aberto e reporta falha ao job se o fragmento já era conhecido.
// Em fases terminais é no-op.
func (r *Receiver) Fail(_ context.Context) {
	if r.phase == PhaseComplete || r.phase == PhaseFailed {
		return
	}

	if r.file != nil {
		if err := r.file.w.Abort(); err != nil {
			r.logger.Error("aborting file failed", "file", r.file.name, "error", err)
		}
		r.file = nil
	}

	if known, ok := r.fragment.(knownFragment); ok {
		r.job.FragmentFailed(known.meta.AgentID, known.meta.FragmentID)
	}
	r.phase = PhaseFailed
}
