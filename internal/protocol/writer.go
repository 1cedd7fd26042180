// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// WritePreamble escreve o preâmbulo do canal.
// Formato: [Magic 4B] [Version 1B]
func WritePreamble(w io.Writer, magic [4]byte) error {
	buf := make([]byte, 5)
	copy(buf[0:4], magic[:])
	buf[4] = ProtocolVersion
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing preamble: %w", err)
	}
	return nil
}

// writeFrame escreve um frame completo em uma única chamada a Write,
// para que escritores concorrentes protegidos por mutex nunca intercalem bytes.
// Formato: [Magic 4B] [Length uint32 4B] [Payload]
func writeFrame(w io.Writer, magic [4]byte, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	copy(buf[0:4], magic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame %s: %w", magic[:], err)
	}
	return nil
}

// encoder monta o payload de um frame. Strings e bytes são prefixados
// pelo comprimento (uint32 BE).
type encoder struct {
	buf []byte
}

func (e *encoder) putUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) putBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

func (e *encoder) putUint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) putBytes(b []byte) {
	e.putUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) putString(s string) {
	e.putUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// putMap serializa as chaves em ordem para que o payload seja determinístico.
func (e *encoder) putMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.putUint32(uint32(len(keys)))
	for _, k := range keys {
		e.putString(k)
		e.putString(m[k])
	}
}
