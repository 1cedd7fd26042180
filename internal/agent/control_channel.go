// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-bro/internal/config"
	"github.com/nishisan-dev/n-bro/internal/protocol"
)

// ControlChannel state constants.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second
)

// Version é a versão do agent, preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

var errNotConnected = errors.New("control channel not connected")

// RejectedError é o ErrorMessage com que o orchestrator encerrou a sessão.
type RejectedError struct {
	Status  byte
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("orchestrator rejected session: status=0x%02x message=%q", e.Status, e.Message)
}

// Dialer abre canais com o orchestrator. TLS nil usa TCP sem criptografia.
type Dialer struct {
	Address string
	TLS     *tls.Config
	Timeout time.Duration
}

// Dial conecta, faz o handshake TLS e escreve o preâmbulo do canal.
func (d *Dialer) Dial(ctx context.Context, magic [4]byte) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = dialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, err
	}

	// Deadline só para handshake e preâmbulo; o canal em si não tem timeout fixo.
	conn.SetDeadline(time.Now().Add(timeout))
	if d.TLS != nil {
		tlsConn := tls.Client(conn, d.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	if err := protocol.WritePreamble(conn, magic); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing preamble: %w", err)
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

// Sender envia mensagens pelo canal de controle.
type Sender interface {
	Send(msg protocol.ControlMessage) error
}

// Handler atende as mensagens recebidas do orchestrator.
type Handler interface {
	HandleControl(ctx context.Context, out Sender, msg protocol.ControlMessage) error
	Disconnected()
}

// ControlChannel mantém a sessão de controle com o orchestrator, reconectando
// com backoff exponencial sempre que a conexão cai.
type ControlChannel struct {
	cfg     *config.AgentConfig
	dialer  *Dialer
	handler Handler
	logger  *slog.Logger

	conn   net.Conn
	connMu sync.Mutex

	// Protege writes concorrentes: o loop de leitura e as ações assíncronas enviam StageComplete.
	writeMu sync.Mutex

	state atomic.Value // string
}

// NewControlChannel cria um novo ControlChannel.
func NewControlChannel(cfg *config.AgentConfig, dialer *Dialer, handler Handler, logger *slog.Logger) *ControlChannel {
	cc := &ControlChannel{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		logger:  logger.With("component", "control_channel"),
	}
	cc.state.Store(StateDisconnected)
	return cc
}

// State retorna o estado atual do canal de controle.
func (cc *ControlChannel) State() string {
	return cc.state.Load().(string)
}

// Run mantém a sessão até ctx ser cancelado. Sempre retorna nil após o cancelamento.
func (cc *ControlChannel) Run(ctx context.Context) error {
	attempt := 0
	for {
		cc.state.Store(StateConnecting)
		healthy, err := cc.session(ctx)
		cc.state.Store(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		// Sessão aceita zera o backoff; rejeições e falhas de conexão o aumentam.
		if healthy {
			attempt = 0
		}
		attempt++
		delay := calculateBackoff(attempt, cc.cfg.Retry.InitialDelay, cc.cfg.Retry.MaxDelay)
		cc.logger.Warn("control channel lost, will reconnect", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (cc *ControlChannel) session(ctx context.Context) (healthy bool, err error) {
	conn, err := cc.dialer.Dial(ctx, protocol.MagicControl)
	if err != nil {
		return false, fmt.Errorf("connecting to orchestrator: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	cc.setConn(conn)
	defer func() {
		cc.setConn(nil)
		conn.Close()
		cc.handler.Disconnected()
	}()

	if err := cc.Send(cc.registration()); err != nil {
		return false, fmt.Errorf("sending register: %w", err)
	}
	cc.state.Store(StateConnected)
	cc.logger.Info("control channel connected", "orchestrator", cc.dialer.Address, "agent", cc.cfg.Agent.ID)

	for {
		msg, err := protocol.ReadControlMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("closed by orchestrator")
			}
			return true, err
		}
		if em, ok := msg.(protocol.ErrorMessage); ok {
			return false, &RejectedError{Status: em.Status, Message: em.Message}
		}
		if err := cc.handler.HandleControl(ctx, cc, msg); err != nil {
			return true, err
		}
	}
}

func (cc *ControlChannel) registration() protocol.Register {
	sw := cc.cfg.Agent.Software
	return protocol.Register{
		AgentID:    cc.cfg.Agent.ID,
		Scope:      cc.cfg.Agent.Scope,
		APIVersion: cc.cfg.Agent.APIVersion,
		SoftwareVersion: protocol.SoftwareVersion{
			ProductName:   sw.ProductName,
			ProductNumber: sw.ProductNumber,
			Revision:      sw.Revision,
			Description:   sw.Description,
			Type:          sw.Type,
		},
	}
}

func (cc *ControlChannel) setConn(conn net.Conn) {
	cc.connMu.Lock()
	cc.conn = conn
	cc.connMu.Unlock()
}

// Send escreve msg na conexão atual. Thread-safe via writeMu.
func (cc *ControlChannel) Send(msg protocol.ControlMessage) error {
	cc.connMu.Lock()
	conn := cc.conn
	cc.connMu.Unlock()

	if conn == nil {
		return errNotConnected
	}

	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WriteControlMessage(conn, msg)
}
