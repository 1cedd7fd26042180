// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging monta os loggers slog do orchestrator e do agent.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options descreve o logger de um processo.
// Formatos: "json" (default) e "text". Níveis: "debug", "info" (default), "warn", "error".
type Options struct {
	Level  string
	Format string
	File   string    // opcional; registros vão para Output e para o arquivo
	Output io.Writer // default os.Stdout
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New cria o logger de acordo com opts. O io.Closer fecha o arquivo de log, se houver,
// e deve ser chamado no shutdown.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stdout
	if opts.Output != nil {
		w = opts.Output
	}
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %s: %w", opts.File, err)
		}
		w = io.MultiWriter(w, f)
		closer = f
	}

	return slog.New(newHandler(w, opts.Format, ParseLevel(opts.Level))), closer, nil
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	ho := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, ho)
	}
	return slog.NewJSONHandler(w, ho)
}

// ParseLevel converte o nome do nível; valores desconhecidos viram info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
