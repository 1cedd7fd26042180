// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nishisan-dev/n-bro/internal/storage"
	"gopkg.in/yaml.v3"
)

// OrchestratorConfig representa a configuração completa do nbro-orchestrator.
type OrchestratorConfig struct {
	Orchestrator   OrchestratorListen `yaml:"orchestrator"`
	TLS            TLSServer          `yaml:"tls"`
	Storage        StorageConfig      `yaml:"storage"`
	Transfer       TransferConfig     `yaml:"transfer"`
	Scheduler      SchedulerConfig    `yaml:"scheduler"`
	Jobs           JobsConfig         `yaml:"jobs"`
	BackupManagers []string           `yaml:"backup_managers"` // além do DEFAULT
	Metrics        MetricsConfig      `yaml:"metrics"`
	Logging        LoggingInfo        `yaml:"logging"`
}

// OrchestratorListen contém o endereço de escuta dos canais de agent.
type OrchestratorListen struct {
	Listen string `yaml:"listen"`
}

// TLSServer contém os caminhos dos certificados mTLS. Vazio desliga o TLS.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// Enabled indica se algum certificado foi configurado.
func (t TLSServer) Enabled() bool {
	return t.CACert != "" || t.ServerCert != "" || t.ServerKey != ""
}

// StorageConfig escolhe o backing store dos backups.
type StorageConfig struct {
	Type            string    `yaml:"type"` // local|s3 (default: local)
	BaseDir         string    `yaml:"base_dir"`
	MinFreeSpace    string    `yaml:"min_free_space"` // ex: "10gb"; vazio desliga a checagem
	MinFreeSpaceRaw int64     `yaml:"-"`
	S3              S3Storage `yaml:"s3"`
}

// S3Storage configura um bucket S3-compatível.
type S3Storage struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// StoreConfig converte para a configuração do storage.S3Store.
func (s S3Storage) StoreConfig() storage.S3Config {
	return storage.S3Config{
		Endpoint:        s.Endpoint,
		Bucket:          s.Bucket,
		Prefix:          s.Prefix,
		Region:          s.Region,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		UseSSL:          s.UseSSL,
	}
}

// TransferConfig ajusta os streams de restore.
type TransferConfig struct {
	ChunkSize           string        `yaml:"chunk_size"` // default: 512kb
	ChunkSizeRaw        int64         `yaml:"-"`
	RestoreRateLimit    string        `yaml:"restore_rate_limit"` // bytes/s; vazio = sem limite
	RestoreRateLimitRaw int64         `yaml:"-"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"` // default: 90s
}

// SchedulerConfig configura a persistência e o fuso dos schedulers.
type SchedulerConfig struct {
	StateDir   string         `yaml:"state_dir"`   // default: {base_dir}/.scheduler
	Timezone   string         `yaml:"timezone"`    // default: Local
	NamePrefix string         `yaml:"name_prefix"` // default: SCHEDULED_BACKUP
	Location   *time.Location `yaml:"-"`
}

// JobsConfig limita a espera de cada etapa das ações.
type JobsConfig struct {
	StageTimeout time.Duration `yaml:"stage_timeout"` // default: 30m
}

// MetricsConfig habilita o endpoint /metrics. Vazio desliga.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	File          string `yaml:"file"`
	SessionLogDir string `yaml:"session_log_dir"`
}

func (l *LoggingInfo) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

// LoadOrchestratorConfig lê e valida o arquivo YAML de configuração do orchestrator.
func LoadOrchestratorConfig(path string) (*OrchestratorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading orchestrator config: %w", err)
	}

	var cfg OrchestratorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing orchestrator config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating orchestrator config: %w", err)
	}

	return &cfg, nil
}

func (c *OrchestratorConfig) validate() error {
	if c.Orchestrator.Listen == "" {
		return fmt.Errorf("orchestrator.listen is required")
	}
	if c.TLS.Enabled() {
		if c.TLS.CACert == "" || c.TLS.ServerCert == "" || c.TLS.ServerKey == "" {
			return fmt.Errorf("tls requires ca_cert, server_cert and server_key")
		}
	}

	c.Storage.Type = strings.ToLower(strings.TrimSpace(c.Storage.Type))
	switch c.Storage.Type {
	case "", "local":
		c.Storage.Type = "local"
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for local storage")
		}
	case "s3":
		if err := c.Storage.S3.StoreConfig().Validate(); err != nil {
			return fmt.Errorf("storage.s3: %w", err)
		}
	default:
		return fmt.Errorf("storage.type must be local or s3, got %q", c.Storage.Type)
	}
	if c.Storage.MinFreeSpace != "" {
		parsed, err := ParseByteSize(c.Storage.MinFreeSpace)
		if err != nil {
			return fmt.Errorf("storage.min_free_space: %w", err)
		}
		c.Storage.MinFreeSpaceRaw = parsed
	}

	if c.Transfer.ChunkSize == "" {
		c.Transfer.ChunkSize = "512kb"
	}
	chunk, err := ParseByteSize(c.Transfer.ChunkSize)
	if err != nil {
		return fmt.Errorf("transfer.chunk_size: %w", err)
	}
	if chunk < 4*1024 || chunk > 8*1024*1024 {
		return fmt.Errorf("transfer.chunk_size must be between 4kb and 8mb, got %s", c.Transfer.ChunkSize)
	}
	c.Transfer.ChunkSizeRaw = chunk
	if c.Transfer.RestoreRateLimit != "" {
		limit, err := ParseByteSize(c.Transfer.RestoreRateLimit)
		if err != nil {
			return fmt.Errorf("transfer.restore_rate_limit: %w", err)
		}
		c.Transfer.RestoreRateLimitRaw = limit
	}
	if c.Transfer.IdleTimeout <= 0 {
		c.Transfer.IdleTimeout = 90 * time.Second
	}

	if c.Scheduler.StateDir == "" {
		if c.Storage.Type != "local" {
			return fmt.Errorf("scheduler.state_dir is required with s3 storage")
		}
		// Ids de backup manager não começam com ponto, então não há colisão com backups.
		c.Scheduler.StateDir = filepath.Join(c.Storage.BaseDir, ".scheduler")
	}
	c.Scheduler.Location = time.Local
	if c.Scheduler.Timezone != "" {
		loc, err := time.LoadLocation(c.Scheduler.Timezone)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		c.Scheduler.Location = loc
	}
	if c.Scheduler.NamePrefix == "" {
		c.Scheduler.NamePrefix = "SCHEDULED_BACKUP"
	}

	if c.Jobs.StageTimeout <= 0 {
		c.Jobs.StageTimeout = 30 * time.Minute
	}

	seen := map[string]bool{"DEFAULT": true}
	for i, id := range c.BackupManagers {
		if id == "" {
			return fmt.Errorf("backup_managers[%d] is empty", i)
		}
		if seen[id] {
			return fmt.Errorf("backup_managers[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
	}

	c.Logging.applyDefaults()
	return nil
}
