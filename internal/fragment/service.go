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

	"github.com/nishisan-dev/n-bro/internal/storage"
)

// FileService lê e grava os metadados de fragmentos no storage.
type FileService struct {
	store storage.Store
}

// NewFileService cria um FileService sobre store.
func NewFileService(store storage.Store) *FileService {
	return &FileService{store: store}
}

// WriteFragment grava o Fragment.json do fragmento em loc.
func (s *FileService) WriteFragment(ctx context.Context, loc Location, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling fragment metadata: %w", err)
	}
	if err := s.store.WriteFile(ctx, loc.MetadataKey(), data); err != nil {
		return fmt.Errorf("writing fragment %s: %w", loc.FragmentID, err)
	}
	return nil
}

// Fragment lê um fragmento e lista seus arquivos.
func (s *FileService) Fragment(ctx context.Context, loc Location) (*Fragment, error) {
	data, err := s.store.ReadFile(ctx, loc.MetadataKey())
	if err != nil {
		return nil, fmt.Errorf("reading fragment %s: %w", loc.FragmentID, err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing fragment %s: %w", loc.FragmentID, err)
	}

	keys, err := s.store.List(ctx, loc.Dir())
	if err != nil {
		return nil, err
	}

	frag := &Fragment{Metadata: meta, Location: loc}
	dataPrefix := path.Join(loc.Dir(), dataDir) + "/"
	customPrefix := path.Join(loc.Dir(), customDir) + "/"
	for _, key := range keys {
		switch {
		case strings.HasPrefix(key, dataPrefix):
			frag.DataFiles = append(frag.DataFiles, strings.TrimPrefix(key, dataPrefix))
		case strings.HasPrefix(key, customPrefix):
			frag.CustomMetadataFiles = append(frag.CustomMetadataFiles, strings.TrimPrefix(key, customPrefix))
		}
	}
	return frag, nil
}

// Fragments retorna todos os fragmentos de um agent em um backup, ordenados por id.
func (s *FileService) Fragments(ctx context.Context, backupManagerID, backupName, agentID string) ([]*Fragment, error) {
	agentDir := path.Join(BackupDir(backupManagerID, backupName), agentID)
	keys, err := s.store.List(ctx, agentDir)
	if err != nil {
		return nil, err
	}

	var frags []*Fragment
	for _, key := range keys {
		rest := strings.TrimPrefix(key, agentDir+"/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[1] != MetadataFileName {
			continue
		}
		frag, err := s.Fragment(ctx, Location{
			BackupManagerID: backupManagerID,
			BackupName:      backupName,
			AgentID:         agentID,
			FragmentID:      parts[0],
		})
		if err != nil {
			return nil, err
		}
		frags = append(frags, frag)
	}

	sort.Slice(frags, func(i, j int) bool { return frags[i].FragmentID < frags[j].FragmentID })
	return frags, nil
}

// Agents retorna os agents que têm ao menos um fragmento no backup.
func (s *FileService) Agents(ctx context.Context, backupManagerID, backupName string) ([]string, error) {
	backupDir := BackupDir(backupManagerID, backupName)
	keys, err := s.store.List(ctx, backupDir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var agents []string
	for _, key := range keys {
		parts := strings.Split(strings.TrimPrefix(key, backupDir+"/"), "/")
		if len(parts) != 3 || parts[2] != MetadataFileName {
			continue
		}
		if !seen[parts[0]] {
			seen[parts[0]] = true
			agents = append(agents, parts[0])
		}
	}
	sort.Strings(agents)
	return agents, nil
}
