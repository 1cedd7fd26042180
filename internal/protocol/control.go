// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"io"
)

// Magics das mensagens do canal de controle.
var (
	MagicRegister      = [4]byte{'R', 'E', 'G', 'I'}
	MagicRegisterAck   = [4]byte{'R', 'A', 'C', 'K'}
	MagicPreparation   = [4]byte{'P', 'R', 'E', 'P'}
	MagicExecution     = [4]byte{'E', 'X', 'E', 'C'}
	MagicPostActions   = [4]byte{'P', 'O', 'S', 'T'}
	MagicCancel        = [4]byte{'C', 'N', 'C', 'L'}
	MagicStageComplete = [4]byte{'S', 'T', 'G', 'C'}
	MagicError         = [4]byte{'C', 'E', 'R', 'R'}
)

// ControlMessage é qualquer mensagem trafegada no canal de controle.
type ControlMessage interface {
	controlMagic() [4]byte
	encode(e *encoder)
}

// SoftwareVersion descreve o produto de backup de um agent (ou da própria orquestração).
type SoftwareVersion struct {
	ProductName    string `json:"productName"`
	ProductNumber  string `json:"productNumber,omitempty"`
	Revision       string `json:"revision,omitempty"`
	ProductionDate string `json:"productionDate,omitempty"`
	Description    string `json:"description,omitempty"`
	Type           string `json:"type,omitempty"`
}

func (v SoftwareVersion) encode(e *encoder) {
	e.putString(v.ProductName)
	e.putString(v.ProductNumber)
	e.putString(v.Revision)
	e.putString(v.ProductionDate)
	e.putString(v.Description)
	e.putString(v.Type)
}

func decodeSoftwareVersion(d *decoder) SoftwareVersion {
	return SoftwareVersion{
		ProductName:    d.string(),
		ProductNumber:  d.string(),
		Revision:       d.string(),
		ProductionDate: d.string(),
		Description:    d.string(),
		Type:           d.string(),
	}
}

// FragmentInfo é a entrada da lista de fragmentos enviada no Preparation de restore.
type FragmentInfo struct {
	FragmentID        string
	Version           string
	SizeInBytes       string
	CustomInformation map[string]string
}

// Register é a primeira mensagem do agent no canal de controle (Agent → Orchestrator).
type Register struct {
	AgentID         string
	Scope           string // tags separadas por ';'
	APIVersion      uint8
	SoftwareVersion SoftwareVersion
}

// RegisterAcknowledge confirma o registro (Orchestrator → Agent, API v3+).
type RegisterAcknowledge struct {
	Message string
}

// Preparation inicia a etapa de preparação de backup ou restore (Orchestrator → Agent).
type Preparation struct {
	Action          byte
	BackupName      string
	BackupType      string
	SoftwareVersion SoftwareVersion
	Fragments       []FragmentInfo // somente restore
}

// Execution dispara a transferência de dados (Orchestrator → Agent).
type Execution struct {
	Action     byte
	BackupName string
	BackupType string
}

// PostActions dispara as ações pós-transferência (Orchestrator → Agent).
type PostActions struct {
	Action     byte
	BackupName string
	BackupType string
}

// Cancel pede ao agent que aborte a ação em andamento (Orchestrator → Agent).
type Cancel struct {
	Action byte
}

// StageComplete é o resultado de uma etapa (Agent → Orchestrator).
type StageComplete struct {
	Action  byte
	Success bool
	Message string
}

// ErrorMessage é enviado pelo orchestrator antes de fechar o canal por erro.
type ErrorMessage struct {
	Status  byte
	Message string
}

func (Register) controlMagic() [4]byte            { return MagicRegister }
func (RegisterAcknowledge) controlMagic() [4]byte { return MagicRegisterAck }
func (Preparation) controlMagic() [4]byte         { return MagicPreparation }
func (Execution) controlMagic() [4]byte           { return MagicExecution }
func (PostActions) controlMagic() [4]byte         { return MagicPostActions }
func (Cancel) controlMagic() [4]byte              { return MagicCancel }
func (StageComplete) controlMagic() [4]byte       { return MagicStageComplete }
func (ErrorMessage) controlMagic() [4]byte        { return MagicError }

func (m Register) encode(e *encoder) {
	e.putString(m.AgentID)
	e.putString(m.Scope)
	e.putUint8(m.APIVersion)
	m.SoftwareVersion.encode(e)
}

func (m RegisterAcknowledge) encode(e *encoder) {
	e.putString(m.Message)
}

func (m Preparation) encode(e *encoder) {
	e.putUint8(m.Action)
	e.putString(m.BackupName)
	e.putString(m.BackupType)
	m.SoftwareVersion.encode(e)
	e.putUint32(uint32(len(m.Fragments)))
	for _, f := range m.Fragments {
		e.putString(f.FragmentID)
		e.putString(f.Version)
		e.putString(f.SizeInBytes)
		e.putMap(f.CustomInformation)
	}
}

func (m Execution) encode(e *encoder) {
	e.putUint8(m.Action)
	e.putString(m.BackupName)
	e.putString(m.BackupType)
}

func (m PostActions) encode(e *encoder) {
	e.putUint8(m.Action)
	e.putString(m.BackupName)
	e.putString(m.BackupType)
}

func (m Cancel) encode(e *encoder) {
	e.putUint8(m.Action)
}

func (m StageComplete) encode(e *encoder) {
	e.putUint8(m.Action)
	e.putBool(m.Success)
	e.putString(m.Message)
}

func (m ErrorMessage) encode(e *encoder) {
	e.putUint8(m.Status)
	e.putString(m.Message)
}

// WriteControlMessage serializa msg como um frame do canal de controle.
func WriteControlMessage(w io.Writer, msg ControlMessage) error {
	var e encoder
	msg.encode(&e)
	return writeFrame(w, msg.controlMagic(), e.buf)
}

// ReadControlMessage lê o próximo frame do canal de controle.
// Retorna io.EOF sem wrap quando o peer fecha a conexão entre frames.
func ReadControlMessage(r io.Reader) (ControlMessage, error) {
	magic, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	d := &decoder{buf: payload}
	var msg ControlMessage

	switch magic {
	case MagicRegister:
		msg = Register{
			AgentID:         d.string(),
			Scope:           d.string(),
			APIVersion:      d.uint8(),
			SoftwareVersion: decodeSoftwareVersion(d),
		}
	case MagicRegisterAck:
		msg = RegisterAcknowledge{Message: d.string()}
	case MagicPreparation:
		p := Preparation{
			Action:          d.uint8(),
			BackupName:      d.string(),
			BackupType:      d.string(),
			SoftwareVersion: decodeSoftwareVersion(d),
		}
		n := d.uint32()
		if n > maxMapEntries {
			return nil, fmt.Errorf("preparation with %d fragments: %w", n, ErrFrameTooLarge)
		}
		for i := uint32(0); i < n && d.err() == nil; i++ {
			p.Fragments = append(p.Fragments, FragmentInfo{
				FragmentID:        d.string(),
				Version:           d.string(),
				SizeInBytes:       d.string(),
				CustomInformation: d.stringMap(),
			})
		}
		msg = p
	case MagicExecution:
		msg = Execution{Action: d.uint8(), BackupName: d.string(), BackupType: d.string()}
	case MagicPostActions:
		msg = PostActions{Action: d.uint8(), BackupName: d.string(), BackupType: d.string()}
	case MagicCancel:
		msg = Cancel{Action: d.uint8()}
	case MagicStageComplete:
		msg = StageComplete{Action: d.uint8(), Success: d.bool(), Message: d.string()}
	case MagicError:
		msg = ErrorMessage{Status: d.uint8(), Message: d.string()}
	default:
		return nil, fmt.Errorf("%w: control frame %q", ErrInvalidMagic, magic[:])
	}

	if err := d.err(); err != nil {
		return nil, fmt.Errorf("decoding control frame %s: %w", magic[:], err)
	}
	return msg, nil
}
