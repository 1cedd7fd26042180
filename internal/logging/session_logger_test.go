// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenSession_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	s, err := OpenSession(base, "", "A1", "session-1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer s.Close()

	if s.Logger != base {
		t.Error("expected base logger when dir is empty")
	}
	if s.Path != "" {
		t.Errorf("expected empty path, got %q", s.Path)
	}
	s.Discard()
}

func TestOpenSession_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s, err := OpenSession(base, dir, "A1", "session-abc")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	expected := filepath.Join(dir, "A1", "session-abc.log")
	if s.Path != expected {
		t.Errorf("expected path %q, got %q", expected, s.Path)
	}

	s.Logger.With("agent", "A1").Info("registered", "scope", "DEFAULT")
	s.Close()

	if !strings.Contains(baseBuf.String(), "registered") {
		t.Errorf("message not found in base handler output: %s", baseBuf.String())
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		t.Fatalf("reading session log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"scope":"DEFAULT"`) || !strings.Contains(content, `"agent":"A1"`) {
		t.Errorf("structured attrs missing from session file: %s", content)
	}
}

func TestOpenSession_DebugOnlyInFile(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	s, err := OpenSession(base, dir, "A1", "sess-debug")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	s.Logger.Debug("control message received")
	s.Logger.Info("stage complete")
	s.Close()

	if strings.Contains(baseBuf.String(), "control message received") {
		t.Error("DEBUG message must not reach an INFO base handler")
	}
	if !strings.Contains(baseBuf.String(), "stage complete") {
		t.Error("INFO message missing from base handler")
	}
	data, _ := os.ReadFile(s.Path)
	if !strings.Contains(string(data), "control message received") {
		t.Errorf("DEBUG message missing from session file: %s", data)
	}
}

func TestSession_Discard(t *testing.T) {
	base := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	s, err := OpenSession(base, t.TempDir(), "A1", "sess-ok")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	s.Logger.Info("bye")

	s.Discard()
	if _, err := os.Stat(s.Path); !os.IsNotExist(err) {
		t.Error("session log file should have been removed")
	}
	// Close depois de Discard é no-op.
	if err := s.Close(); err != nil {
		t.Errorf("Close after Discard: %v", err)
	}
}
