// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package validation concentra as regras de formato de identificadores
// (agentId, fragmentId, backupName) e de nomes de arquivo anunciados pelos agents.
package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// MaxIDLength é o comprimento máximo de um identificador ou nome de arquivo.
const MaxIDLength = 255

// ErrInvalidID é o erro base de todo identificador rejeitado.
var ErrInvalidID = errors.New("invalid id")

// InvalidIDError descreve qual identificador foi rejeitado e por quê.
type InvalidIDError struct {
	ID     string
	Reason string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid id %q: %s", e.ID, e.Reason)
}

func (e *InvalidIDError) Unwrap() error { return ErrInvalidID }

// ValidateID verifica se id pode ser usado como identificador e como componente
// de caminho no storage.
func ValidateID(id string) error {
	if err := validateComponent(id); err != nil {
		return err
	}
	for _, r := range id {
		if !isIDRune(r) {
			return &InvalidIDError{ID: id, Reason: fmt.Sprintf("contains invalid character %q", r)}
		}
	}
	return nil
}

// ValidateFileName verifica um nome de arquivo anunciado em um chunk de filename.
// Aceita espaços e outros caracteres imprimíveis, mas nunca separadores de path.
func ValidateFileName(name string) error {
	return validateComponent(name)
}

func validateComponent(name string) error {
	if name == "" {
		return &InvalidIDError{ID: name, Reason: "cannot be empty"}
	}
	if len(name) > MaxIDLength {
		return &InvalidIDError{ID: name, Reason: fmt.Sprintf("exceeds max length %d", MaxIDLength)}
	}
	if strings.ContainsAny(name, "/\\") {
		return &InvalidIDError{ID: name, Reason: "contains path separator"}
	}
	if strings.ContainsRune(name, 0) {
		return &InvalidIDError{ID: name, Reason: "contains null byte"}
	}
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return &InvalidIDError{ID: name, Reason: "contains path traversal"}
	}
	if strings.HasPrefix(name, ".") {
		return &InvalidIDError{ID: name, Reason: "starts with dot"}
	}
	return nil
}

func isIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-', r == ':', r == '@', r == '+':
		return true
	}
	return false
}

// PathInBase verifica que o caminho resolvido permanece dentro de baseDir.
func PathInBase(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}
	return nil
}
