// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/nishisan-dev/n-bro/internal/checksum"
	"github.com/nishisan-dev/n-bro/internal/fragment"
	"github.com/nishisan-dev/n-bro/internal/protocol"
	"github.com/nishisan-dev/n-bro/internal/validation"
)

// restoreIdleTimeout limita o silêncio do orchestrator durante um download.
const restoreIdleTimeout = 5 * time.Minute

// stagingDirName guarda os downloads até o PostActions confirmar o restore.
const stagingDirName = ".staging"

var (
	ErrNotPrepared        = errors.New("restore not prepared")
	ErrInsufficientSpace  = errors.New("insufficient free space for restore")
	ErrRestoreRejected    = errors.New("restore rejected by orchestrator")
	ErrDownloadViolation  = errors.New("restore stream: protocol violation")
	errUnterminatedStream = errors.New("restore stream ended with an open file")
)

// restorePlan é o restore anunciado no Preparation.
type restorePlan struct {
	backupName string
	fragments  []protocol.FragmentInfo
	staging    string
}

// discard remove os downloads ainda não confirmados. Aceita plano nil.
func (p *restorePlan) discard() {
	if p == nil {
		return
	}
	os.RemoveAll(p.staging)
}

// prepareRestore valida o pedido, prepara o diretório de staging e confere o espaço livre.
func (a *Agent) prepareRestore(backupName string, frags []protocol.FragmentInfo) (*restorePlan, error) {
	if err := validation.ValidateID(backupName); err != nil {
		return nil, fmt.Errorf("backup name: %w", err)
	}
	if len(frags) == 0 {
		return nil, fmt.Errorf("restore of %s lists no fragments", backupName)
	}
	for _, f := range frags {
		if err := validation.ValidateID(f.FragmentID); err != nil {
			return nil, fmt.Errorf("fragment id: %w", err)
		}
	}

	plan := &restorePlan{
		backupName: backupName,
		fragments:  frags,
		staging:    filepath.Join(a.cfg.Restore.Dir, stagingDirName, backupName),
	}
	if err := os.RemoveAll(plan.staging); err != nil {
		return nil, fmt.Errorf("cleaning staging dir: %w", err)
	}
	if err := os.MkdirAll(plan.staging, 0755); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	if err := a.checkFreeSpace(frags); err != nil {
		plan.discard()
		return nil, err
	}
	return plan, nil
}

func (a *Agent) checkFreeSpace(frags []protocol.FragmentInfo) error {
	var need uint64
	for _, f := range frags {
		if n, err := strconv.ParseUint(f.SizeInBytes, 10, 64); err == nil {
			need += n
		}
	}
	if need == 0 {
		return nil
	}
	usage, err := disk.Usage(a.cfg.Restore.Dir)
	if err != nil {
		// Sem leitura do disco o restore segue; a escrita falha se faltar espaço.
		a.logger.Warn("failed to read free space", "dir", a.cfg.Restore.Dir, "error", err)
		return nil
	}
	if usage.Free < need {
		return fmt.Errorf("%w: need %d bytes, %d free in %s", ErrInsufficientSpace, need, usage.Free, a.cfg.Restore.Dir)
	}
	return nil
}

func (a *Agent) currentPlan(backupName string) (*restorePlan, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.plan == nil || a.plan.backupName != backupName {
		return nil, fmt.Errorf("%w: %s", ErrNotPrepared, backupName)
	}
	return a.plan, nil
}

// downloadAll baixa cada fragmento anunciado para o staging.
func (a *Agent) downloadAll(ctx context.Context, backupName string) error {
	plan, err := a.currentPlan(backupName)
	if err != nil {
		return err
	}
	for _, f := range plan.fragments {
		if err := a.downloadFragment(ctx, plan, f.FragmentID); err != nil {
			return fmt.Errorf("fragment %s: %w", f.FragmentID, err)
		}
	}
	return nil
}

func (a *Agent) downloadFragment(ctx context.Context, plan *restorePlan, fragmentID string) error {
	logger := a.logger.With("backup", plan.backupName, "fragment", fragmentID)
	start := time.Now()

	conn, err := a.dialer.Dial(ctx, protocol.MagicRestoreData)
	if err != nil {
		return fmt.Errorf("opening restore data channel: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	req := protocol.RestoreRequest{AgentID: a.cfg.Agent.ID, BackupName: plan.backupName, FragmentID: fragmentID}
	if err := protocol.WriteDataMessage(conn, req); err != nil {
		return fmt.Errorf("sending restore request: %w", err)
	}

	dir := filepath.Join(plan.staging, fragmentID)
	fw := &fragmentWriter{dir: dir}
	defer fw.abort()

	br := bufio.NewReaderSize(conn, 64*1024)
	gotMetadata := false
	for {
		conn.SetReadDeadline(time.Now().Add(restoreIdleTimeout))
		msg, err := protocol.ReadDataMessage(br)
		if err != nil {
			return fmt.Errorf("reading restore stream: %w", err)
		}

		switch m := msg.(type) {
		case protocol.Metadata:
			if gotMetadata || m.FragmentID != fragmentID {
				return fmt.Errorf("%w: unexpected metadata for %q", ErrDownloadViolation, m.FragmentID)
			}
			gotMetadata = true
			if err := fw.writeMetadata(m); err != nil {
				return err
			}
		case protocol.BackupFileChunk:
			if err := fw.chunk(gotMetadata, "data", m.FileChunk); err != nil {
				return err
			}
		case protocol.CustomMetadataChunk:
			if err := fw.chunk(gotMetadata, "custom", m.FileChunk); err != nil {
				return err
			}
		case protocol.DataEnd:
			if fw.file != nil {
				return errUnterminatedStream
			}
			logger.Info("fragment downloaded", "files", fw.files, "bytes", fw.bytes,
				"duration", time.Since(start).Round(time.Millisecond))
			return nil
		case protocol.DataAck:
			return fmt.Errorf("%w: %s", ErrRestoreRejected, m.Message)
		default:
			return fmt.Errorf("%w: %T", ErrDownloadViolation, msg)
		}
	}
}

// commitRestore move o staging para {restore.dir}/{backup}, substituindo restores anteriores.
func (a *Agent) commitRestore(plan *restorePlan, backupName string) error {
	if plan == nil || plan.backupName != backupName {
		return fmt.Errorf("%w: %s", ErrNotPrepared, backupName)
	}
	target := filepath.Join(a.cfg.Restore.Dir, backupName)
	if err := os.RemoveAll(target); err != nil {
		plan.discard()
		return fmt.Errorf("replacing %s: %w", target, err)
	}
	if err := os.Rename(plan.staging, target); err != nil {
		plan.discard()
		return fmt.Errorf("committing restore: %w", err)
	}
	// Só remove se estiver vazio.
	os.Remove(filepath.Dir(plan.staging))
	a.logger.Info("restore committed", "backup", backupName, "dir", target)
	return nil
}

// fragmentWriter grava os arquivos de um fragmento recebido, validando o checksum
// de cada um antes de renomear o temporário.
type fragmentWriter struct {
	dir   string
	files int
	bytes int64

	file *os.File
	name string
	path string
	sum  *checksum.Calculator
}

func (w *fragmentWriter) writeMetadata(m protocol.Metadata) error {
	meta := fragment.Metadata{
		AgentID:           m.AgentID,
		BackupName:        m.BackupName,
		FragmentID:        m.FragmentID,
		Version:           m.Version,
		SizeInBytes:       m.SizeInBytes,
		CustomInformation: m.CustomInformation,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.dir, fragment.MetadataFileName), data, 0644)
}

func (w *fragmentWriter) chunk(started bool, sub string, c protocol.FileChunk) error {
	if !started {
		return fmt.Errorf("%w: file chunk before metadata", ErrDownloadViolation)
	}

	switch c.Kind() {
	case protocol.ChunkFileName:
		if w.file != nil {
			return fmt.Errorf("%w: file %q announced before %q was terminated", ErrDownloadViolation, c.FileName, w.name)
		}
		if err := validation.ValidateFileName(c.FileName); err != nil {
			return fmt.Errorf("%w: %w", ErrDownloadViolation, err)
		}
		dir := filepath.Join(w.dir, sub)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		path := filepath.Join(dir, c.FileName)
		f, err := os.Create(path + ".part")
		if err != nil {
			return err
		}
		w.file, w.name, w.path, w.sum = f, c.FileName, path, checksum.NewCalculator()
		return nil

	case protocol.ChunkContent:
		if w.file == nil {
			return fmt.Errorf("%w: content chunk without filename", ErrDownloadViolation)
		}
		if _, err := w.file.Write(c.Content); err != nil {
			return err
		}
		w.sum.Write(c.Content)
		w.bytes += int64(len(c.Content))
		return nil

	default:
		if w.file == nil {
			return fmt.Errorf("%w: checksum chunk without filename", ErrDownloadViolation)
		}
		if err := checksum.Validate(w.sum.Sum(), c.Checksum); err != nil {
			return fmt.Errorf("%s: %w", w.name, err)
		}
		if err := w.file.Close(); err != nil {
			return err
		}
		tmp := w.file.Name()
		w.file = nil
		if err := os.Rename(tmp, w.path); err != nil {
			os.Remove(tmp)
			return err
		}
		w.files++
		return nil
	}
}

// abort remove o temporário do arquivo em recepção, se houver.
func (w *fragmentWriter) abort() {
	if w.file == nil {
		return
	}
	name := w.file.Name()
	w.file.Close()
	os.Remove(name)
	w.file = nil
}
