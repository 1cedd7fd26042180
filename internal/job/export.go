// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package job

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/nishisan-dev/n-bro/internal/export"
	"github.com/nishisan-dev/n-bro/internal/fragment"
	"github.com/nishisan-dev/n-bro/internal/storage"
)

// ExportDir é o prefixo dos archives de export no store. O id é reservado e não
// pode nomear um backup manager.
const ExportDir = "exports"

// ExportKey retorna a chave do archive de um backup.
func ExportKey(backupManagerID, backupName string, mode export.Mode) string {
	return path.Join(ExportDir, backupManagerID, backupName+mode.Extension())
}

// ExportJob empacota um backup COMPLETE em um único archive dentro do store.
type ExportJob struct {
	id              string
	backupManagerID string
	name            string
	mode            export.Mode
	store           storage.Store
	files           *fragment.FileService
	logger          *slog.Logger
	progress        ProgressFunc

	result *export.Result
	key    string
}

// NewExportJob prepara o export de backupName.
func NewExportJob(id, backupManagerID, backupName string, mode export.Mode, store storage.Store,
	files *fragment.FileService, logger *slog.Logger, progress ProgressFunc) *ExportJob {
	return &ExportJob{
		id:              id,
		backupManagerID: backupManagerID,
		name:            backupName,
		mode:            mode,
		store:           store,
		files:           files,
		logger: logger.With("component", "export", "job", id, "backup_manager", backupManagerID,
			"backup", backupName),
		progress: progress,
		key:      ExportKey(backupManagerID, backupName, mode),
	}
}

func (j *ExportJob) ID() string              { return j.id }
func (j *ExportJob) Type() Type              { return TypeExport }
func (j *ExportJob) BackupManagerID() string { return j.backupManagerID }
func (j *ExportJob) BackupName() string      { return j.name }

// Key retorna a chave do archive.
func (j *ExportJob) Key() string { return j.key }

// Result retorna o archive produzido; nil antes do fim de Run.
func (j *ExportJob) Result() *export.Result { return j.result }

func (j *ExportJob) Run(ctx context.Context) error {
	rec, err := j.files.ReadRecord(ctx, j.backupManagerID, j.name)
	if err != nil {
		if storage.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrBackupNotFound, j.backupManagerID, j.name)
		}
		return err
	}
	if rec.Status != fragment.StatusComplete {
		return fmt.Errorf("%w: %s is %s", ErrNotRestorable, j.name, rec.Status)
	}

	w, err := j.store.Create(ctx, j.key, 0)
	if err != nil {
		return fmt.Errorf("creating %s: %w", j.key, err)
	}
	j.progress.report("exporting %s to %s", j.name, j.key)

	res, err := export.Archive(ctx, j.store, fragment.BackupDir(j.backupManagerID, j.name), w, j.mode)
	if err != nil {
		if aerr := w.Abort(); aerr != nil {
			j.logger.Warn("aborting export archive failed", "error", aerr)
		}
		return fmt.Errorf("exporting %s: %w", j.name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("committing %s: %w", j.key, err)
	}

	j.result = res
	j.logger.Info("backup exported", "key", j.key, "objects", res.Objects, "size", res.Size, "sha256", res.Checksum)
	j.progress.report("export of %s complete: %d objects, %d bytes", j.name, res.Objects, res.Size)
	return nil
}
