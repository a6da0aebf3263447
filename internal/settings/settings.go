// Package settings persists the few key/value settings the daemon owns.
package settings

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("setting not found")

// KeyTunnelToken holds the operator's named-tunnel token.
const KeyTunnelToken = "tunnel_token"

// Store is a minimal key/value persistence interface.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// TokenStore is the narrow contract the orchestrator depends on.
type TokenStore interface {
	TunnelToken(ctx context.Context) (string, error)
	SetTunnelToken(ctx context.Context, token string) error
}

// Tokens adapts a Store to TokenStore. A missing token reads as "".
type Tokens struct{ Store Store }

func (t Tokens) TunnelToken(ctx context.Context) (string, error) {
	v, err := t.Store.Get(ctx, KeyTunnelToken)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// SetTunnelToken stores token; an empty token removes it.
func (t Tokens) SetTunnelToken(ctx context.Context, token string) error {
	if token == "" {
		return t.Store.Delete(ctx, KeyTunnelToken)
	}
	return t.Store.Set(ctx, KeyTunnelToken, token)
}

func (t Tokens) Close() error { return t.Store.Close() }

// Memory is an in-process Store, used when persistence is disabled.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemory() *Memory { return &Memory{m: make(map[string]string)} }

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
	return nil
}

func (m *Memory) Close() error { return nil }
