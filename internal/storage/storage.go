// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package storage define o backing store dos fragmentos (filesystem local ou
// object storage S3-compatível) atrás de uma única interface orientada a chaves.
// Chaves usam '/' como separador independente do sistema operacional.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
)

// ErrWriterClosed é retornado por Write após Close ou Abort.
var ErrWriterClosed = errors.New("storage: writer already closed")

// Writer recebe os bytes de um objeto. O objeto só fica visível após Close;
// Abort descarta tudo o que foi escrito. Close e Abort são idempotentes.
type Writer interface {
	io.Writer
	Close() error
	Abort() error
}

// Store é o contrato comum aos backing stores.
// Chaves inexistentes retornam erros que satisfazem errors.Is(err, fs.ErrNotExist).
type Store interface {
	// Create abre um writer para key. sizeHint (<= 0 se desconhecido) ajusta
	// o tamanho de parte em uploads multipart.
	Create(ctx context.Context, key string, sizeHint int64) (Writer, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	ReadFile(ctx context.Context, key string) ([]byte, error)
	WriteFile(ctx context.Context, key string, data []byte) error
	Stat(ctx context.Context, key string) (int64, error)
	// Delete remove key. Remover uma chave inexistente não é erro.
	Delete(ctx context.Context, key string) error
	// List retorna, ordenadas, todas as chaves de objetos abaixo de dir.
	List(ctx context.Context, dir string) ([]string, error)
}

// SpaceReporter é implementado por stores que conhecem o espaço livre no destino.
type SpaceReporter interface {
	FreeBytes() (uint64, error)
}

// IsNotExist indica se err representa uma chave inexistente.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func notExist(key string) error {
	return fmt.Errorf("object %q: %w", key, fs.ErrNotExist)
}

func writeAll(ctx context.Context, s Store, key string, data []byte) error {
	w, err := s.Create(ctx, key, int64(len(data)))
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("committing %s: %w", key, err)
	}
	return nil
}

func readAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}
