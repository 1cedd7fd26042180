// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package throttle limita a taxa de bytes dos canais de dados (upload no agent,
// restore no orchestrator) com um token bucket.
package throttle

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurst limita o quanto pode ser escrito de uma vez sem esperar (256KB).
const maxBurst = 256 * 1024

// Writer é um io.Writer que respeita bytesPerSec.
type Writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

// NewWriter envolve w com limite de bytesPerSec. bytesPerSec <= 0 devolve w sem wrapper.
func NewWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	return &Writer{ctx: ctx, w: w, limiter: NewLimiter(bytesPerSec)}
}

// NewLimiter cria o token bucket usado pelo Writer. Retorna nil se bytesPerSec <= 0.
func NewLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := min(bytesPerSec, maxBurst)
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(burst))
}

// Wait consome n tokens de l, em pedaços do tamanho do burst. l nil não espera.
func Wait(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	for n > 0 {
		step := min(n, l.Burst())
		if err := l.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Write escreve p em pedaços de no máximo um burst, esperando tokens antes de cada um.
func (tw *Writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		step := min(len(p), tw.limiter.Burst())
		if err := tw.limiter.WaitN(tw.ctx, step); err != nil {
			return written, err
		}
		n, err := tw.w.Write(p[:step])
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
