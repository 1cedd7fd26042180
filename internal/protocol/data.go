// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"io"
)

// Magics das mensagens dos canais de dados.
var (
	MagicMetadata       = [4]byte{'M', 'E', 'T', 'A'}
	MagicBackupChunk    = [4]byte{'B', 'F', 'C', 'H'}
	MagicCustomChunk    = [4]byte{'C', 'M', 'C', 'H'}
	MagicRestoreRequest = [4]byte{'R', 'R', 'E', 'Q'}
	MagicDataEnd        = [4]byte{'D', 'O', 'N', 'E'}
	MagicDataAck        = [4]byte{'D', 'A', 'C', 'K'}
)

// DataMessage é qualquer mensagem trafegada em um canal de dados.
type DataMessage interface {
	dataMagic() [4]byte
	encode(e *encoder)
}

// Metadata abre o stream de um fragmento.
type Metadata struct {
	AgentID           string
	BackupName        string
	FragmentID        string
	Version           string
	SizeInBytes       string
	CustomInformation map[string]string
}

// ChunkKind classifica um chunk pelos campos preenchidos.
type ChunkKind int

const (
	// ChunkFileName: checksum e conteúdo vazios, anuncia um novo arquivo.
	ChunkFileName ChunkKind = iota
	// ChunkContent: checksum vazio e conteúdo não vazio.
	ChunkContent
	// ChunkChecksum: checksum preenchido, encerra o arquivo.
	ChunkChecksum
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkFileName:
		return "filename"
	case ChunkContent:
		return "content"
	case ChunkChecksum:
		return "checksum"
	default:
		return "unknown"
	}
}

// FileChunk é o corpo comum dos chunks de arquivo de backup e de custom metadata.
// A classificação depende somente de quais campos estão preenchidos.
type FileChunk struct {
	FileName string
	Content  []byte
	Checksum string
}

// Kind classifica o chunk.
func (c FileChunk) Kind() ChunkKind {
	if c.Checksum != "" {
		return ChunkChecksum
	}
	if len(c.Content) == 0 {
		return ChunkFileName
	}
	return ChunkContent
}

// BackupFileChunk transporta o arquivo principal do fragmento.
type BackupFileChunk struct {
	FileChunk
}

// CustomMetadataChunk transporta um arquivo de custom metadata do fragmento.
type CustomMetadataChunk struct {
	FileChunk
}

// RestoreRequest abre um canal de restore pedindo um fragmento (Agent → Orchestrator).
type RestoreRequest struct {
	AgentID    string
	BackupName string
	FragmentID string
}

// DataEnd encerra o stream de um fragmento.
type DataEnd struct{}

// DataAck é a resposta final do orchestrator ao DataEnd de backup.
type DataAck struct {
	Success bool
	Message string
}

func (Metadata) dataMagic() [4]byte            { return MagicMetadata }
func (BackupFileChunk) dataMagic() [4]byte     { return MagicBackupChunk }
func (CustomMetadataChunk) dataMagic() [4]byte { return MagicCustomChunk }
func (RestoreRequest) dataMagic() [4]byte      { return MagicRestoreRequest }
func (DataEnd) dataMagic() [4]byte             { return MagicDataEnd }
func (DataAck) dataMagic() [4]byte             { return MagicDataAck }

func (m Metadata) encode(e *encoder) {
	e.putString(m.AgentID)
	e.putString(m.BackupName)
	e.putString(m.FragmentID)
	e.putString(m.Version)
	e.putString(m.SizeInBytes)
	e.putMap(m.CustomInformation)
}

func (c FileChunk) encode(e *encoder) {
	e.putString(c.FileName)
	e.putBytes(c.Content)
	e.putString(c.Checksum)
}

func (m RestoreRequest) encode(e *encoder) {
	e.putString(m.AgentID)
	e.putString(m.BackupName)
	e.putString(m.FragmentID)
}

func (DataEnd) encode(*encoder) {}

func (m DataAck) encode(e *encoder) {
	e.putBool(m.Success)
	e.putString(m.Message)
}

func decodeFileChunk(d *decoder) FileChunk {
	return FileChunk{
		FileName: d.string(),
		Content:  d.bytes(),
		Checksum: d.string(),
	}
}

// WriteDataMessage serializa msg como um frame de canal de dados.
func WriteDataMessage(w io.Writer, msg DataMessage) error {
	var e encoder
	msg.encode(&e)
	return writeFrame(w, msg.dataMagic(), e.buf)
}

// ReadDataMessage lê o próximo frame de um canal de dados.
// Retorna io.EOF sem wrap quando o peer fecha a conexão entre frames.
func ReadDataMessage(r io.Reader) (DataMessage, error) {
	magic, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	d := &decoder{buf: payload}
	var msg DataMessage

	switch magic {
	case MagicMetadata:
		msg = Metadata{
			AgentID:           d.string(),
			BackupName:        d.string(),
			FragmentID:        d.string(),
			Version:           d.string(),
			SizeInBytes:       d.string(),
			CustomInformation: d.stringMap(),
		}
	case MagicBackupChunk:
		msg = BackupFileChunk{FileChunk: decodeFileChunk(d)}
	case MagicCustomChunk:
		msg = CustomMetadataChunk{FileChunk: decodeFileChunk(d)}
	case MagicRestoreRequest:
		msg = RestoreRequest{AgentID: d.string(), BackupName: d.string(), FragmentID: d.string()}
	case MagicDataEnd:
		msg = DataEnd{}
	case MagicDataAck:
		msg = DataAck{Success: d.bool(), Message: d.string()}
	default:
		return nil, fmt.Errorf("%w: data frame %q", ErrInvalidMagic, magic[:])
	}

	if err := d.err(); err != nil {
		return nil, fmt.Errorf("decoding data frame %s: %w", magic[:], err)
	}
	return msg, nil
}
