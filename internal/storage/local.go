// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nishisan-dev/n-bro/internal/validation"
	"github.com/shirou/gopsutil/v3/disk"
)

// LocalStore grava objetos como arquivos abaixo de baseDir.
// A escrita é atômica: grava em .tmp no mesmo diretório e faz rename no Close.
type LocalStore struct {
	baseDir string
}

// NewLocalStore cria o diretório base se não existir.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// BaseDir retorna o diretório raiz do store.
func (s *LocalStore) BaseDir() string {
	return s.baseDir
}

func (s *LocalStore) resolve(key string) (string, error) {
	p := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := validation.PathInBase(s.baseDir, p); err != nil {
		return "", err
	}
	return p, nil
}

// Create abre um writer atômico para key.
func (s *LocalStore) Create(_ context.Context, key string, _ int64) (Writer, error) {
	finalPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating object directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(finalPath)+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &localWriter{f: f, tmpPath: f.Name(), finalPath: finalPath}, nil
}

// Open abre key para leitura.
func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notExist(key)
		}
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}
	return f, nil
}

// ReadFile lê o objeto inteiro.
func (s *LocalStore) ReadFile(ctx context.Context, key string) ([]byte, error) {
	return readAll(ctx, s, key)
}

// WriteFile grava o objeto inteiro atomicamente.
func (s *LocalStore) WriteFile(ctx context.Context, key string, data []byte) error {
	return writeAll(ctx, s, key, data)
}

// Stat retorna o tamanho de key.
func (s *LocalStore) Stat(_ context.Context, key string) (int64, error) {
	p, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, notExist(key)
		}
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory: %w", key, fs.ErrNotExist)
	}
	return info.Size(), nil
}

// Delete remove o arquivo de key.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

// List percorre dir recursivamente. Arquivos temporários em andamento são ignorados.
// Um diretório inexistente resulta em lista vazia.
func (s *LocalStore) List(_ context.Context, dir string) ([]string, error) {
	root, err := s.resolve(strings.TrimSuffix(dir, "/"))
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && p == root {
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() || isTempFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// FreeBytes retorna o espaço livre no filesystem do diretório base.
func (s *LocalStore) FreeBytes() (uint64, error) {
	usage, err := disk.Usage(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage: %w", err)
	}
	return usage.Free, nil
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
}

// localWriter grava em .tmp e renomeia para o caminho final no Close.
type localWriter struct {
	f         *os.File
	tmpPath   string
	finalPath string
	done      bool
}

func (w *localWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	return w.f.Write(p)
}

func (w *localWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp to final: %w", err)
	}
	return nil
}

func (w *localWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true

	w.f.Close()
	if err := os.Remove(w.tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing temp file: %w", err)
	}
	return nil
}
