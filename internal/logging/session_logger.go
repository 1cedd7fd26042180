// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// fanOutHandler despacha cada registro para o handler global e para o arquivo da sessão.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Cada handler filtra o seu nível; DEBUG não chega ao global configurado em INFO.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// Session é o log dedicado de uma conexão de controle de agent, gravado em
//
//	{dir}/{agentID}/{sessionID}.log
//
// O arquivo sempre usa JSON em nível DEBUG.
type Session struct {
	Logger *slog.Logger
	Path   string

	once sync.Once
	f    *os.File
}

// OpenSession cria o log da sessão. Com dir vazio a sessão usa apenas base.
func OpenSession(base *slog.Logger, dir, agentID, sessionID string) (*Session, error) {
	if dir == "" {
		return &Session{Logger: base}, nil
	}

	agentDir := filepath.Join(dir, agentID)
	if err := os.MkdirAll(agentDir, 0755); err != nil {
		return nil, fmt.Errorf("creating session log directory %s: %w", agentDir, err)
	}

	path := filepath.Join(agentDir, sessionID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening session log file %s: %w", path, err)
	}

	combined := &fanOutHandler{
		primary:   base.Handler(),
		secondary: slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	return &Session{Logger: slog.New(combined), Path: path, f: f}, nil
}

// Close fecha o arquivo e o mantém em disco.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		if s.f != nil {
			err = s.f.Close()
		}
	})
	return err
}

// Discard fecha e remove o arquivo; usado quando a sessão termina sem erro.
func (s *Session) Discard() {
	s.Close()
	if s.Path != "" {
		os.Remove(s.Path)
	}
}
