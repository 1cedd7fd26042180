// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nishisan-dev/n-bro/internal/config"
	"github.com/nishisan-dev/n-bro/internal/pki"
)

// Run conecta o agent ao orchestrator e atende as ações até ctx ser cancelado.
// Ações em andamento são canceladas e aguardadas antes do retorno.
func Run(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger) error {
	dialer, err := NewDialer(cfg)
	if err != nil {
		return err
	}

	logger.Info("starting agent",
		"agent", cfg.Agent.ID,
		"scope", cfg.Agent.Scope,
		"orchestrator", cfg.Orchestrator.Address,
		"fragments", len(cfg.Fragments),
		"version", Version,
	)
	if dialer.TLS == nil {
		logger.Warn("TLS disabled, channels to the orchestrator are not encrypted")
	}

	a := New(cfg, dialer, logger)
	cc := NewControlChannel(cfg, dialer, a, logger)
	err = cc.Run(ctx)
	a.Wait()
	logger.Info("agent stopped")
	return err
}

// NewDialer monta o Dialer do agent, com mTLS quando configurado.
func NewDialer(cfg *config.AgentConfig) (*Dialer, error) {
	d := &Dialer{Address: cfg.Orchestrator.Address}
	if cfg.TLS.Enabled() {
		tlsCfg, err := pki.ClientConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey, cfg.Orchestrator.Address)
		if err != nil {
			return nil, fmt.Errorf("configuring TLS: %w", err)
		}
		d.TLS = tlsCfg
	}
	return d, nil
}

// calculateBackoff calcula o delay com exponential backoff capped.
func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}
