// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo binário n-bro entre orchestrator e agents
// sobre TCP (opcionalmente TLS). Cada conexão começa com um preâmbulo que identifica
// o canal (controle, dados de backup, dados de restore) e segue com frames
// [Magic 4B][Length uint32 BE][Payload].
package protocol

import "errors"

// Magic bytes do preâmbulo de cada canal.
var (
	MagicControl     = [4]byte{'C', 'T', 'R', 'L'}
	MagicBackupData  = [4]byte{'B', 'D', 'A', 'T'}
	MagicRestoreData = [4]byte{'R', 'D', 'A', 'T'}
)

// ProtocolVersion é a versão atual do preâmbulo/frames.
const ProtocolVersion byte = 0x01

// MaxFrameSize limita o payload de um frame. Chunks de arquivo são sempre menores.
const MaxFrameSize = 16 * 1024 * 1024

// frameHeaderSize = Magic(4B) + Length(4B).
const frameHeaderSize = 8

// Versões da API de agent negociadas no Register.
const (
	APIVersion2 uint8 = 2
	APIVersion3 uint8 = 3
	APIVersion4 uint8 = 4
)

// SupportsRegisterAck indica se o agent espera um RegisterAcknowledge após o Register.
func SupportsRegisterAck(apiVersion uint8) bool {
	return apiVersion >= APIVersion3
}

// Ações orquestradas através do canal de controle.
const (
	ActionBackup  byte = 0x01
	ActionRestore byte = 0x02
)

// ActionName retorna o nome legível de uma ação (para logs).
func ActionName(action byte) string {
	switch action {
	case ActionBackup:
		return "BACKUP"
	case ActionRestore:
		return "RESTORE"
	default:
		return "UNKNOWN"
	}
}

// Status codes enviados no ErrorMessage antes de fechar o canal de controle.
const (
	StatusInvalidArgument    byte = 0x01 // id malformado ou ausente
	StatusAlreadyExists      byte = 0x02 // agentId já registrado
	StatusFailedPrecondition byte = 0x03 // mensagem inválida para o estado atual
	StatusInternal           byte = 0x04 // erro interno do orchestrator
)

// Erros do protocolo.
var (
	ErrInvalidMagic      = errors.New("protocol: invalid magic bytes")
	ErrInvalidVersion    = errors.New("protocol: unsupported protocol version")
	ErrTruncatedFrame    = errors.New("protocol: truncated frame")
	ErrFrameTooLarge     = errors.New("protocol: frame exceeds max size")
	ErrUnexpectedMessage = errors.New("protocol: unexpected message")
)
