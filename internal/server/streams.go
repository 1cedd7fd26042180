// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"sync"

	"github.com/google/uuid"
)

// StreamRegistry aloca ids únicos para os canais de dados de backup abertos
// nesta instância do server.
type StreamRegistry struct {
	mu     sync.Mutex
	active map[string]struct{}
	newID  func() string
}

// NewStreamRegistry cria um registro vazio.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{active: make(map[string]struct{}), newID: uuid.NewString}
}

// Allocate retorna um id que não está em uso.
func (r *StreamRegistry) Allocate() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := r.newID()
		if _, taken := r.active[id]; !taken {
			r.active[id] = struct{}{}
			return id
		}
	}
}

// Release libera id.
func (r *StreamRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// Len retorna quantos streams estão abertos.
func (r *StreamRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
