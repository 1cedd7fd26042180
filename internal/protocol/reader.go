// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxMapEntries limita o número de entradas de CustomInformation por mensagem.
const maxMapEntries = 4096

// ReadPreamble lê o preâmbulo do canal e retorna o magic.
// Não valida qual canal é: isso cabe ao dispatcher do server.
func ReadPreamble(r io.Reader) ([4]byte, error) {
	var buf [5]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return [4]byte{}, fmt.Errorf("reading preamble: %w", err)
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if buf[4] != ProtocolVersion {
		return magic, fmt.Errorf("%w: %d", ErrInvalidVersion, buf[4])
	}
	return magic, nil
}

// readFrame lê um frame completo. io.EOF limpo (antes do header) é repassado sem wrap
// para que o chamador distinga encerramento normal de frame truncado.
func readFrame(r io.Reader) ([4]byte, []byte, error) {
	var header [frameHeaderSize]byte
	var magic [4]byte

	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return magic, nil, io.EOF
		}
		return magic, nil, fmt.Errorf("reading frame header: %w", ErrTruncatedFrame)
	}
	copy(magic[:], header[0:4])

	length := binary.BigEndian.Uint32(header[4:8])
	if length > MaxFrameSize {
		return magic, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return magic, nil, fmt.Errorf("reading frame %s payload: %w", magic[:], ErrTruncatedFrame)
	}
	return magic, payload, nil
}

// decoder lê campos de um payload. O primeiro erro é memorizado e os
// campos seguintes retornam zero values; o chamador verifica err() no final.
type decoder struct {
	buf  []byte
	off  int
	fail bool
}

func (d *decoder) take(n int) []byte {
	if d.fail || n < 0 || len(d.buf)-d.off < n {
		d.fail = true
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) bool() bool {
	return d.uint8() != 0
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) bytes() []byte {
	n := d.uint32()
	b := d.take(int(n))
	if b == nil || n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) string() string {
	n := d.uint32()
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *decoder) stringMap() map[string]string {
	n := d.uint32()
	if n == 0 {
		return nil
	}
	if n > maxMapEntries {
		d.fail = true
		return nil
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n && !d.fail; i++ {
		k := d.string()
		m[k] = d.string()
	}
	return m
}

func (d *decoder) err() error {
	if d.fail {
		return ErrTruncatedFrame
	}
	return nil
}
