// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package metrics expõe os contadores Prometheus do orchestrator.
// Todos os métodos aceitam receiver nil.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Motivos de backup agendado perdido.
const (
	ReasonLocked = "locked"
	ReasonFailed = "failed"
)

// Direções de transferência.
const (
	DirectionBackup  = "backup"
	DirectionRestore = "restore"
)

// Metrics agrega os coletores do orchestrator num registry próprio.
type Metrics struct {
	registry         *prometheus.Registry
	triggeredBackups *prometheus.CounterVec
	missedBackups    *prometheus.CounterVec
	actionsTotal     *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	agentsConnected  prometheus.Gauge
}

// New cria o registry e registra todos os coletores.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	triggeredBackups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nbro",
			Subsystem: "scheduler",
			Name:      "triggered_backups_total",
			Help:      "Scheduled backups submitted to the action service.",
		},
		[]string{"backup_manager"},
	)
	missedBackups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nbro",
			Subsystem: "scheduler",
			Name:      "missed_backups_total",
			Help:      "Scheduled backups that were not created.",
		},
		[]string{"backup_manager", "reason"},
	)
	actionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nbro",
			Name:      "actions_total",
			Help:      "Finished actions by type and result.",
		},
		[]string{"type", "result"},
	)
	transferBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nbro",
			Name:      "transfer_bytes_total",
			Help:      "Fragment bytes transferred per agent.",
		},
		[]string{"agent", "direction"},
	)
	agentsConnected := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nbro",
			Name:      "agents_connected",
			Help:      "Agents currently registered on the control channel.",
		},
	)

	registry.MustRegister(triggeredBackups, missedBackups, actionsTotal, transferBytes, agentsConnected)

	return &Metrics{
		registry:         registry,
		triggeredBackups: triggeredBackups,
		missedBackups:    missedBackups,
		actionsTotal:     actionsTotal,
		transferBytes:    transferBytes,
		agentsConnected:  agentsConnected,
	}
}

// Handler serve o registry em formato de exposição Prometheus.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry retorna o registry subjacente (usado em testes).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncTriggeredBackup(backupManagerID string) {
	if m == nil {
		return
	}
	m.triggeredBackups.WithLabelValues(backupManagerID).Inc()
}

func (m *Metrics) IncMissedBackup(backupManagerID, reason string) {
	if m == nil {
		return
	}
	m.missedBackups.WithLabelValues(backupManagerID, reason).Inc()
}

func (m *Metrics) IncAction(actionType, result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.actionsTotal.WithLabelValues(actionType, result).Inc()
}

func (m *Metrics) AddTransferBytes(agentID, direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.transferBytes.WithLabelValues(agentID, direction).Add(float64(n))
}

// SetAgentsConnected atende agents.ConnectedRecorder.
func (m *Metrics) SetAgentsConnected(n int) {
	if m == nil {
		return
	}
	m.agentsConnected.Set(float64(n))
}
