// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nishisan-dev/n-bro/internal/action"
	"github.com/nishisan-dev/n-bro/internal/agents"
	"github.com/nishisan-dev/n-bro/internal/backupmanager"
	"github.com/nishisan-dev/n-bro/internal/config"
	"github.com/nishisan-dev/n-bro/internal/fragment"
	"github.com/nishisan-dev/n-bro/internal/job"
	"github.com/nishisan-dev/n-bro/internal/metrics"
	"github.com/nishisan-dev/n-bro/internal/pki"
	"github.com/nishisan-dev/n-bro/internal/protocol"
	"github.com/nishisan-dev/n-bro/internal/restore"
	"github.com/nishisan-dev/n-bro/internal/scheduler"
	"github.com/nishisan-dev/n-bro/internal/storage"
)

// Version é a revisão do orchestrator enviada aos agents no Preparation.
var Version = "dev"

// Orchestrator liga storage, sessões de agent, jobs, ações, backup managers e o transporte.
type Orchestrator struct {
	Store    storage.Store
	Files    *fragment.FileService
	Metrics  *metrics.Metrics
	Agents   *agents.Repository
	Jobs     *job.Executor
	Actions  *action.Service
	Managers *backupmanager.Registry
	Server   *Server

	timers        *scheduler.Executor
	metricsListen string
	logger        *slog.Logger
}

// NewOrchestrator monta o orchestrator a partir da configuração validada.
func NewOrchestrator(ctx context.Context, cfg *config.OrchestratorConfig, logger *slog.Logger) (*Orchestrator, error) {
	o := &Orchestrator{
		Metrics:       metrics.New(),
		metricsListen: cfg.Metrics.Listen,
		logger:        logger,
	}

	deps := job.Deps{
		MinFreeBytes:    uint64(max(cfg.Storage.MinFreeSpaceRaw, 0)),
		StageTimeout:    cfg.Jobs.StageTimeout,
		Transfers:       o.Metrics,
		SoftwareVersion: protocol.SoftwareVersion{ProductName: "n-bro", Revision: Version, Type: "orchestrator"},
		Logger:          logger,
	}

	switch cfg.Storage.Type {
	case "s3":
		s3, err := storage.NewS3Store(ctx, cfg.Storage.S3.StoreConfig())
		if err != nil {
			return nil, err
		}
		o.Store = s3
	default:
		local, err := storage.NewLocalStore(cfg.Storage.BaseDir)
		if err != nil {
			return nil, err
		}
		o.Store = local
		deps.Space = local
	}
	o.Files = fragment.NewFileService(o.Store)
	deps.Files = o.Files

	o.Agents = agents.NewRepository(logger.With("component", "agents"))
	o.Agents.SetRecorder(o.Metrics)
	deps.Agents = o.Agents

	o.Jobs = job.NewExecutor(logger)

	stateStore, err := storage.NewLocalStore(cfg.Scheduler.StateDir)
	if err != nil {
		return nil, fmt.Errorf("scheduler state: %w", err)
	}
	o.timers = scheduler.NewExecutor(cfg.Scheduler.Location, logger)

	// O registry precisa do action service e vice-versa. Disparos que chegam durante a
	// montagem esperam ready; se a montagem falhar, Actions continua nil.
	ready := make(chan struct{})
	markReady := sync.OnceFunc(func() { close(ready) })
	defer markReady()
	submitter := scheduler.SubmitterFunc(func(ctx context.Context, brm, name string) error {
		<-ready
		if o.Actions == nil {
			return errors.New("orchestrator is not running")
		}
		return o.Actions.SubmitScheduledBackup(ctx, brm, name)
	})
	o.Managers, err = backupmanager.NewRegistry(ctx, backupmanager.Options{
		Executor:   o.timers,
		Store:      scheduler.NewFileStore(stateStore, cfg.Scheduler.Location),
		Submitter:  submitter,
		Recorder:   o.Metrics,
		Location:   cfg.Scheduler.Location,
		NamePrefix: cfg.Scheduler.NamePrefix,
		Logger:     logger,
	}, cfg.BackupManagers)
	if err != nil {
		markReady()
		o.timers.Stop(ctx)
		return nil, err
	}
	o.Agents.SetVirtualManagerCreator(o.Managers)

	o.Actions = action.New(action.Options{
		Managers: o.Managers,
		Executor: o.Jobs,
		Deps:     deps,
		Store:    o.Store,
		Recorder: o.Metrics,
		Logger:   logger,
	})

	o.Server = New(Options{
		Agents:        o.Agents,
		Jobs:          o.Jobs,
		Store:         o.Store,
		Sender:        restore.NewSender(o.Store, int(cfg.Transfer.ChunkSizeRaw), cfg.Transfer.RestoreRateLimitRaw, logger.With("component", "restore")),
		SessionLogDir: cfg.Logging.SessionLogDir,
		IdleTimeout:   cfg.Transfer.IdleTimeout,
		Logger:        logger,
	})
	return o, nil
}

// Serve atende agents em ln e, se configurado, o /metrics, até ctx ser cancelado.
// Ao retornar, jobs e schedulers já foram encerrados.
func (o *Orchestrator) Serve(ctx context.Context, ln net.Listener) error {
	var metricsSrv *http.Server
	if o.metricsListen != "" {
		metricsSrv = &http.Server{
			Addr:              o.metricsListen,
			Handler:           o.metricsMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			o.logger.Info("metrics listening", "address", o.metricsListen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				o.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	err := o.Server.Serve(ctx, ln)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	o.Close(shutdownCtx)
	return err
}

func (o *Orchestrator) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", o.Metrics.Handler())
	return mux
}

// Close desarma os schedulers, cancela o job em execução e para o executor de timers.
func (o *Orchestrator) Close(ctx context.Context) {
	o.Managers.Close()
	if err := o.Jobs.Shutdown(ctx); err != nil {
		o.logger.Warn("jobs did not stop in time", "error", err)
	}
	o.timers.Stop(ctx)
}

// Run monta o orchestrator, escuta em cfg.Orchestrator.Listen (com mTLS quando
// configurado) e bloqueia até ctx ser cancelado.
func Run(ctx context.Context, cfg *config.OrchestratorConfig, logger *slog.Logger) error {
	o, err := NewOrchestrator(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Orchestrator.Listen)
	if err != nil {
		o.Close(ctx)
		return fmt.Errorf("listening on %s: %w", cfg.Orchestrator.Listen, err)
	}
	if cfg.TLS.Enabled() {
		tlsCfg, err := pki.ServerConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
		if err != nil {
			ln.Close()
			o.Close(ctx)
			return fmt.Errorf("configuring TLS: %w", err)
		}
		ln = tls.NewListener(ln, tlsCfg)
	} else {
		logger.Warn("TLS disabled, agent channels are not encrypted")
	}

	return o.Serve(ctx, ln)
}
