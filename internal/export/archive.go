// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package export empacota um backup armazenado num único tar comprimido.
package export

import (
	"archive/tar"
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/nishisan-dev/n-bro/internal/storage"
)

// Mode é o algoritmo de compressão do archive.
type Mode string

const (
	ModeGzip Mode = "gzip"
	ModeZstd Mode = "zst"
)

// ParseMode aceita "gzip"/"gz" e "zstd"/"zst". Vazio resulta em gzip.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "gzip", "gz":
		return ModeGzip, nil
	case "zstd", "zst":
		return ModeZstd, nil
	default:
		return "", fmt.Errorf("unknown compression mode %q", s)
	}
}

// Extension retorna a extensão do archive, ex.: ".tar.gz".
func (m Mode) Extension() string {
	if m == ModeZstd {
		return ".tar.zst"
	}
	return ".tar.gz"
}

// Result descreve o archive produzido.
type Result struct {
	Objects  int
	Size     uint64
	Checksum string // sha256 hex do stream comprimido
}

// Archive escreve em dest um tar com todos os objetos abaixo de prefix. Os nomes
// no tar são relativos a prefix.
func Archive(ctx context.Context, store storage.Store, prefix string, dest io.Writer, mode Mode) (*Result, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}

	bufDest := bufio.NewWriterSize(dest, 256*1024)
	hasher := sha256.New()
	counter := &countWriter{w: io.MultiWriter(bufDest, hasher)}

	compressor, err := newCompressor(counter, mode)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(compressor)

	base := strings.TrimSuffix(prefix, "/") + "/"
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			compressor.Close()
			return nil, err
		}
		if err := addObject(ctx, tw, store, key, strings.TrimPrefix(key, base)); err != nil {
			compressor.Close()
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		compressor.Close()
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return nil, fmt.Errorf("closing compressor: %w", err)
	}
	if err := bufDest.Flush(); err != nil {
		return nil, fmt.Errorf("flushing buffer: %w", err)
	}

	return &Result{
		Objects:  len(keys),
		Size:     counter.n,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func newCompressor(w io.Writer, mode Mode) (io.WriteCloser, error) {
	switch mode {
	case ModeZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	default:
		gzWriter, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		if err := gzWriter.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		return gzWriter, nil
	}
}

// addObject copia um objeto para o tar. O tamanho vem do Stat e o LimitReader
// garante que o corpo nunca excede o header.
func addObject(ctx context.Context, tw *tar.Writer, store storage.Store, key, name string) error {
	size, err := store.Stat(ctx, key)
	if err != nil {
		return fmt.Errorf("stat %s: %w", key, err)
	}
	rc, err := store.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("opening %s: %w", key, err)
	}
	defer rc.Close()

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     0644,
		ModTime:  time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", key, err)
	}
	if _, err := io.Copy(tw, io.LimitReader(rc, size)); err != nil {
		return fmt.Errorf("writing %s to tar: %w", key, err)
	}
	return nil
}

type countWriter struct {
	w io.Writer
	n uint64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}
