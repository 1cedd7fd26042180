// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package checksum implementa o checksum incremental dos arquivos de fragmento
// e a validação contra o checksum recebido ou armazenado.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// SidecarSuffix é a extensão do arquivo que guarda o checksum ao lado do arquivo de dados.
const SidecarSuffix = ".md5"

// ErrMismatch indica que o checksum calculado não confere com o esperado.
var ErrMismatch = errors.New("checksum mismatch")

// Calculator acumula o checksum de um arquivo à medida que os chunks chegam.
// Implementa io.Writer para ser usado com io.MultiWriter/io.TeeReader.
type Calculator struct {
	h     hash.Hash
	bytes int64
}

// NewCalculator cria um Calculator vazio.
func NewCalculator() *Calculator {
	return &Calculator{h: md5.New()}
}

// Write adiciona p ao checksum. Nunca retorna erro.
func (c *Calculator) Write(p []byte) (int, error) {
	n, _ := c.h.Write(p)
	c.bytes += int64(n)
	return n, nil
}

// Bytes retorna o total de bytes acumulados.
func (c *Calculator) Bytes() int64 {
	return c.bytes
}

// Sum retorna o checksum hex (lowercase) de todos os bytes acumulados até agora.
func (c *Calculator) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// Of calcula o checksum de um buffer completo.
func Of(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Validate compara o checksum calculado com o token armazenado/recebido.
// A comparação ignora caixa e espaços ao redor (sidecars antigos terminam com '\n').
func Validate(computed, stored string) error {
	c := strings.ToLower(strings.TrimSpace(computed))
	s := strings.ToLower(strings.TrimSpace(stored))
	if c != s {
		return fmt.Errorf("%w: computed %s, expected %s", ErrMismatch, c, s)
	}
	return nil
}

// SidecarKey retorna a chave do sidecar de checksum para a chave de um arquivo.
func SidecarKey(key string) string {
	return key + SidecarSuffix
}
