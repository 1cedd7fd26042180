// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fragment define o modelo persistido de um backup: fragmentos por agent,
// seus arquivos de dados e de custom metadata, e o registro do backup.
//
// Layout das chaves no storage:
//
//	{brm}/{backup}/backup.json
//	{brm}/{backup}/{agent}/{fragment}/Fragment.json
//	{brm}/{backup}/{agent}/{fragment}/data/{file}
//	{brm}/{backup}/{agent}/{fragment}/custom/{file}
//	{brm}/{backup}/{agent}/{fragment}/checksums/{data|custom}/{file}.md5
package fragment

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/nishisan-dev/n-bro/internal/checksum"
	"github.com/nishisan-dev/n-bro/internal/validation"
)

const (
	MetadataFileName = "Fragment.json"
	RecordFileName   = "backup.json"

	dataDir     = "data"
	customDir   = "custom"
	checksumDir = "checksums"
)

// ErrInvalidMetadata indica um Metadata sem os campos obrigatórios.
var ErrInvalidMetadata = errors.New("invalid fragment metadata")

// Metadata descreve um fragmento produzido por um agent.
type Metadata struct {
	AgentID           string            `json:"agentId"`
	BackupName        string            `json:"backupName"`
	FragmentID        string            `json:"fragmentId"`
	Version           string            `json:"version"`
	SizeInBytes       string            `json:"sizeInBytes"`
	CustomInformation map[string]string `json:"customInformation,omitempty"`
}

// Validate aplica as regras de aceitação do Metadata recebido no canal de dados.
func (m Metadata) Validate() error {
	if m.AgentID == "" {
		return fmt.Errorf("%w: agentId is empty", ErrInvalidMetadata)
	}
	if err := validation.ValidateID(m.AgentID); err != nil {
		return fmt.Errorf("%w: agentId: %w", ErrInvalidMetadata, err)
	}
	if m.BackupName == "" {
		return fmt.Errorf("%w: backupName is empty", ErrInvalidMetadata)
	}
	if err := validation.ValidateID(m.FragmentID); err != nil {
		return fmt.Errorf("%w: fragmentId: %w", ErrInvalidMetadata, err)
	}
	if m.SizeInBytes == "" {
		return fmt.Errorf("%w: sizeInBytes is empty", ErrInvalidMetadata)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: version is empty", ErrInvalidMetadata)
	}
	return nil
}

// Location identifica um fragmento dentro do storage.
type Location struct {
	BackupManagerID string
	BackupName      string
	AgentID         string
	FragmentID      string
}

// Dir retorna o prefixo de chaves do fragmento.
func (l Location) Dir() string {
	return path.Join(l.BackupManagerID, l.BackupName, l.AgentID, l.FragmentID)
}

// MetadataKey retorna a chave do Fragment.json.
func (l Location) MetadataKey() string {
	return path.Join(l.Dir(), MetadataFileName)
}

// DataKey retorna a chave de um arquivo de dados do fragmento.
func (l Location) DataKey(fileName string) string {
	return path.Join(l.Dir(), dataDir, fileName)
}

// CustomKey retorna a chave de um arquivo de custom metadata do fragmento.
func (l Location) CustomKey(fileName string) string {
	return path.Join(l.Dir(), customDir, fileName)
}

// ChecksumKey retorna a chave do sidecar de checksum de um arquivo do fragmento
// (fileKey vem de DataKey ou CustomKey). Os sidecars ficam fora de data/ e custom/,
// então qualquer nome de arquivo aceito convive com eles.
func (l Location) ChecksumKey(fileKey string) string {
	rel := strings.TrimPrefix(fileKey, l.Dir()+"/")
	return checksum.SidecarKey(path.Join(l.Dir(), checksumDir, rel))
}

// BackupDir retorna o prefixo de chaves de um backup.
func BackupDir(backupManagerID, backupName string) string {
	return path.Join(backupManagerID, backupName)
}

// RecordKey retorna a chave do backup.json de um backup.
func RecordKey(backupManagerID, backupName string) string {
	return path.Join(BackupDir(backupManagerID, backupName), RecordFileName)
}

// Fragment é um fragmento persistido com a lista de seus arquivos.
type Fragment struct {
	Metadata
	Location            Location
	DataFiles           []string
	CustomMetadataFiles []string
}
