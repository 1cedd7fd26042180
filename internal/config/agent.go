// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig representa a configuração completa do nbro-agent.
type AgentConfig struct {
	Agent        AgentInfo        `yaml:"agent"`
	Orchestrator OrchestratorAddr `yaml:"orchestrator"`
	TLS          TLSClient        `yaml:"tls"`
	Fragments    []FragmentEntry  `yaml:"fragments"`
	Restore      RestoreInfo      `yaml:"restore"`
	Transfer     AgentTransfer    `yaml:"transfer"`
	Retry        RetryInfo        `yaml:"retry"`
	Logging      LoggingInfo      `yaml:"logging"`
}

// AgentInfo identifica o agent perante o orchestrator.
type AgentInfo struct {
	ID         string       `yaml:"id"`
	Scope      string       `yaml:"scope"`       // tags separadas por ';'
	APIVersion uint8        `yaml:"api_version"` // default: 4
	Software   SoftwareInfo `yaml:"software"`
}

// SoftwareInfo descreve o produto protegido pelo agent.
type SoftwareInfo struct {
	ProductName   string `yaml:"product_name"`
	ProductNumber string `yaml:"product_number"`
	Revision      string `yaml:"revision"`
	Type          string `yaml:"type"`
	Description   string `yaml:"description"`
}

// OrchestratorAddr contém o endereço do orchestrator.
type OrchestratorAddr struct {
	Address string `yaml:"address"`
}

// TLSClient contém os caminhos dos certificados mTLS do agent. Vazio desliga o TLS.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// Enabled indica se algum certificado foi configurado.
func (t TLSClient) Enabled() bool {
	return t.CACert != "" || t.ClientCert != "" || t.ClientKey != ""
}

// FragmentEntry é um fragmento enviado em cada backup.
type FragmentEntry struct {
	ID                string            `yaml:"id"`
	Path              string            `yaml:"path"`
	Version           string            `yaml:"version"` // default: "1"
	CustomMetadata    []string          `yaml:"custom_metadata"`
	CustomInformation map[string]string `yaml:"custom_information"`
}

// RestoreInfo define onde os fragmentos restaurados são gravados.
type RestoreInfo struct {
	Dir string `yaml:"dir"`
}

// AgentTransfer ajusta os uploads do agent.
type AgentTransfer struct {
	ChunkSize    string `yaml:"chunk_size"` // default: 512kb
	ChunkSizeRaw int64  `yaml:"-"`
	RateLimit    string `yaml:"rate_limit"` // bytes/s; vazio = sem limite
	RateLimitRaw int64  `yaml:"-"`
}

// RetryInfo contém o backoff exponencial da reconexão do canal de controle.
type RetryInfo struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// LoadAgentConfig lê e valida o arquivo YAML de configuração do agent.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

func (c *AgentConfig) validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if c.Agent.APIVersion == 0 {
		c.Agent.APIVersion = 4
	}
	if c.Agent.APIVersion < 2 || c.Agent.APIVersion > 4 {
		return fmt.Errorf("agent.api_version must be between 2 and 4, got %d", c.Agent.APIVersion)
	}
	if c.Agent.Software.ProductName == "" {
		c.Agent.Software.ProductName = c.Agent.ID
	}
	if c.Orchestrator.Address == "" {
		return fmt.Errorf("orchestrator.address is required")
	}
	if c.TLS.Enabled() {
		if c.TLS.CACert == "" || c.TLS.ClientCert == "" || c.TLS.ClientKey == "" {
			return fmt.Errorf("tls requires ca_cert, client_cert and client_key")
		}
	}

	if len(c.Fragments) == 0 {
		return fmt.Errorf("fragments must have at least one entry")
	}
	seen := make(map[string]bool)
	for i := range c.Fragments {
		f := &c.Fragments[i]
		if f.ID == "" {
			return fmt.Errorf("fragments[%d].id is required", i)
		}
		if seen[f.ID] {
			return fmt.Errorf("fragments[%d]: duplicate id %q", i, f.ID)
		}
		seen[f.ID] = true
		if f.Path == "" {
			return fmt.Errorf("fragments[%d].path is required", i)
		}
		for j, p := range f.CustomMetadata {
			if p == "" {
				return fmt.Errorf("fragments[%d].custom_metadata[%d] is empty", i, j)
			}
		}
		if f.Version == "" {
			f.Version = "1"
		}
	}

	if c.Restore.Dir == "" {
		return fmt.Errorf("restore.dir is required")
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
	if c.Transfer.RateLimit != "" {
		limit, err := ParseByteSize(c.Transfer.RateLimit)
		if err != nil {
			return fmt.Errorf("transfer.rate_limit: %w", err)
		}
		c.Transfer.RateLimitRaw = limit
	}

	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}

	c.Logging.applyDefaults()
	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Do sufixo mais longo para o mais curto, senão "mb" casaria com "b".
	suffixes := []struct {
		s string
		m int64
	}{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			if num < 0 {
				return 0, fmt.Errorf("negative size %q", s)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return num, nil
}
