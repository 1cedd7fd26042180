// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"
)

func TestLoadOrchestratorConfig_ExampleFile(t *testing.T) {
	cfg, err := LoadOrchestratorConfig(filepath.Join("..", "..", "configs", "orchestrator.example.yaml"))
	if err != nil {
		t.Fatalf("failed to load orchestrator example config: %v", err)
	}

	if cfg.Orchestrator.Listen != "0.0.0.0:9850" {
		t.Errorf("unexpected listen %q", cfg.Orchestrator.Listen)
	}
	if !cfg.TLS.Enabled() {
		t.Error("expected TLS enabled")
	}
	if cfg.Storage.Type != "local" || cfg.Storage.MinFreeSpaceRaw != 10*1024*1024*1024 {
		t.Errorf("unexpected storage: %+v", cfg.Storage)
	}
	if cfg.Transfer.ChunkSizeRaw != 512*1024 || cfg.Transfer.RestoreRateLimitRaw != 100*1024*1024 {
		t.Errorf("unexpected transfer: %+v", cfg.Transfer)
	}
	if cfg.Scheduler.Location == nil || cfg.Scheduler.Location.String() != "America/Sao_Paulo" {
		t.Errorf("unexpected scheduler location: %v", cfg.Scheduler.Location)
	}
	if cfg.Jobs.StageTimeout != 30*time.Minute {
		t.Errorf("unexpected stage timeout: %v", cfg.Jobs.StageTimeout)
	}
	if len(cfg.BackupManagers) != 2 || cfg.BackupManagers[0] != "subscriber" {
		t.Errorf("unexpected backup managers: %v", cfg.BackupManagers)
	}
	if cfg.Logging.SessionLogDir != "/var/log/nbro/sessions" {
		t.Errorf("unexpected session log dir %q", cfg.Logging.SessionLogDir)
	}
}

func TestLoadAgentConfig_ExampleFile(t *testing.T) {
	cfg, err := LoadAgentConfig(filepath.Join("..", "..", "configs", "agent.example.yaml"))
	if err != nil {
		t.Fatalf("failed to load agent example config: %v", err)
	}

	if cfg.Agent.ID != "db-01" || cfg.Agent.Scope != "subscriber;configuration" || cfg.Agent.APIVersion != 4 {
		t.Errorf("unexpected agent: %+v", cfg.Agent)
	}
	if cfg.Agent.Software.ProductName != "subscriber-db" {
		t.Errorf("unexpected software: %+v", cfg.Agent.Software)
	}
	if len(cfg.Fragments) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(cfg.Fragments))
	}
	if cfg.Fragments[0].CustomInformation["schema"] != "v12" || len(cfg.Fragments[0].CustomMetadata) != 1 {
		t.Errorf("unexpected fragment: %+v", cfg.Fragments[0])
	}
	if cfg.Fragments[1].Version != "1" {
		t.Errorf("expected default version 1, got %q", cfg.Fragments[1].Version)
	}
	if cfg.Transfer.ChunkSizeRaw != 1024*1024 || cfg.Transfer.RateLimitRaw != 50*1024*1024 {
		t.Errorf("unexpected transfer: %+v", cfg.Transfer)
	}
	if cfg.Retry.MaxDelay != 2*time.Minute {
		t.Errorf("unexpected retry: %+v", cfg.Retry)
	}
}

const minimalOrchestrator = `
orchestrator:
  listen: "127.0.0.1:0"
storage:
  base_dir: /tmp/nbro
`

func TestLoadOrchestratorConfig_Defaults(t *testing.T) {
	cfg, err := LoadOrchestratorConfig(writeTempConfig(t, minimalOrchestrator))
	if err != nil {
		t.Fatalf("LoadOrchestratorConfig: %v", err)
	}
	if cfg.TLS.Enabled() {
		t.Error("TLS must be disabled without certificates")
	}
	if cfg.Scheduler.StateDir != filepath.Join("/tmp/nbro", ".scheduler") {
		t.Errorf("state dir must default under the storage base dir, got %q", cfg.Scheduler.StateDir)
	}
	if cfg.Scheduler.NamePrefix != "SCHEDULED_BACKUP" || cfg.Scheduler.Location != time.Local {
		t.Errorf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Transfer.ChunkSizeRaw != 512*1024 || cfg.Transfer.IdleTimeout != 90*time.Second {
		t.Errorf("unexpected transfer defaults: %+v", cfg.Transfer)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadOrchestratorConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing listen": `
storage:
  base_dir: /tmp/nbro
`,
		"partial tls": minimalOrchestrator + `
tls:
  ca_cert: /tmp/ca.pem
`,
		"unknown storage": `
orchestrator:
  listen: ":9850"
storage:
  type: ftp
`,
		"s3 without bucket": `
orchestrator:
  listen: ":9850"
storage:
  type: s3
  s3:
    region: us-east-1
scheduler:
  state_dir: /tmp/sched
`,
		"s3 without state dir": `
orchestrator:
  listen: ":9850"
storage:
  type: s3
  s3:
    bucket: nbro
    region: us-east-1
`,
		"bad timezone": minimalOrchestrator + `
scheduler:
  timezone: Mars/Olympus
`,
		"duplicate manager": minimalOrchestrator + `
backup_managers: [alpha, alpha]
`,
		"default manager": minimalOrchestrator + `
backup_managers: [DEFAULT]
`,
		"chunk too small": minimalOrchestrator + `
transfer:
  chunk_size: 1kb
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadOrchestratorConfig(writeTempConfig(t, content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

const minimalAgent = `
agent:
  id: a1
orchestrator:
  address: "localhost:9850"
restore:
  dir: /tmp/restore
`

func TestLoadAgentConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing id": `
orchestrator:
  address: "localhost:9850"
restore:
  dir: /tmp/restore
fragments:
  - id: f1
    path: /tmp/f1
`,
		"no fragments": minimalAgent,
		"duplicate fragment": minimalAgent + `
fragments:
  - id: f1
    path: /tmp/f1
  - id: f1
    path: /tmp/f2
`,
		"fragment without path": minimalAgent + `
fragments:
  - id: f1
`,
		"api version": minimalAgent + `
fragments:
  - id: f1
    path: /tmp/f1
` + "\n",
	}
	cases["api version"] = `
agent:
  id: a1
  api_version: 9
orchestrator:
  address: "localhost:9850"
restore:
  dir: /tmp/restore
fragments:
  - id: f1
    path: /tmp/f1
`
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadAgentConfig(writeTempConfig(t, content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadAgentConfig_Defaults(t *testing.T) {
	cfg, err := LoadAgentConfig(writeTempConfig(t, minimalAgent+`
fragments:
  - id: f1
    path: /tmp/f1
`))
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if cfg.Agent.APIVersion != 4 || cfg.Agent.Software.ProductName != "a1" {
		t.Errorf("unexpected agent defaults: %+v", cfg.Agent)
	}
	if cfg.Retry.InitialDelay != time.Second || cfg.Retry.MaxDelay != 5*time.Minute {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.TLS.Enabled() {
		t.Error("TLS must be disabled without certificates")
	}
}

func TestLoadAgentConfig_FileNotFound(t *testing.T) {
	if _, err := LoadAgentConfig("/nonexistent/agent.yaml"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestLoadOrchestratorConfig_InvalidYAML(t *testing.T) {
	if _, err := LoadOrchestratorConfig(writeTempConfig(t, "{{invalid yaml")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"10b", 10},
		{"4KB", 4096},
		{" 256mb ", 256 * 1024 * 1024},
		{"1gb", 1024 * 1024 * 1024},
	}
	for _, tc := range cases {
		got, err := ParseByteSize(tc.in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "mb", "1tb", "-5mb", "abc"} {
		if _, err := ParseByteSize(bad); err == nil {
			t.Errorf("ParseByteSize(%q): expected error", bad)
		}
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
