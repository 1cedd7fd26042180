// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fragment

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/nishisan-dev/n-bro/internal/protocol"
)

// Status do backup registrado em backup.json.
type Status string

const (
	StatusIncomplete Status = "INCOMPLETE"
	StatusComplete   Status = "COMPLETE"
	StatusCorrupted  Status = "CORRUPTED"
)

// AgentRecord registra a versão de software de um agent participante.
type AgentRecord struct {
	AgentID         string                   `json:"agentId"`
	SoftwareVersion protocol.SoftwareVersion `json:"softwareVersion"`
}

// Record é o registro persistido de um backup.
type Record struct {
	Name            string        `json:"name"`
	BackupManagerID string        `json:"backupManagerId"`
	Status          Status        `json:"status"`
	CreationTime    time.Time     `json:"creationTime"`
	UpdateTime      time.Time     `json:"updateTime"`
	Message         string        `json:"message,omitempty"`
	Agents          []AgentRecord `json:"agents,omitempty"`
}

// WriteRecord grava (ou sobrescreve) o backup.json.
func (s *FileService) WriteRecord(ctx context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling backup record: %w", err)
	}
	if err := s.store.WriteFile(ctx, RecordKey(rec.BackupManagerID, rec.Name), data); err != nil {
		return fmt.Errorf("writing backup record %s: %w", rec.Name, err)
	}
	return nil
}

// ReadRecord lê o backup.json. Backups inexistentes retornam erro fs.ErrNotExist.
func (s *FileService) ReadRecord(ctx context.Context, backupManagerID, backupName string) (*Record, error) {
	data, err := s.store.ReadFile(ctx, RecordKey(backupManagerID, backupName))
	if err != nil {
		return nil, fmt.Errorf("reading backup record %s: %w", backupName, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing backup record %s: %w", backupName, err)
	}
	return &rec, nil
}

// Records lista os backups de um backup manager, do mais antigo ao mais recente.
func (s *FileService) Records(ctx context.Context, backupManagerID string) ([]*Record, error) {
	keys, err := s.store.List(ctx, backupManagerID)
	if err != nil {
		return nil, err
	}

	var recs []*Record
	for _, key := range keys {
		parts := strings.Split(strings.TrimPrefix(key, backupManagerID+"/"), "/")
		if len(parts) != 2 || parts[1] != RecordFileName {
			continue
		}
		rec, err := s.ReadRecord(ctx, backupManagerID, parts[0])
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreationTime.Before(recs[j].CreationTime) })
	return recs, nil
}

// BackupKeys lista todas as chaves de um backup (usado pelo export).
func (s *FileService) BackupKeys(ctx context.Context, backupManagerID, backupName string) ([]string, error) {
	return s.store.List(ctx, path.Clean(BackupDir(backupManagerID, backupName)))
}
