// Package store implements the durable key-value and append-only list store
// behind history and caches: in memory, in a JSON file, or in Redis.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// Memory is a thread-safe in-memory store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]entry
	lists  map[string][][]byte
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	Value      []byte `json:"value"`
	Expiration int64  `json:"expiration,omitempty"`
}

func (e entry) expired(now int64) bool {
	return e.Expiration > 0 && now > e.Expiration
}

// NewMemory creates a memory store that sweeps expired values every
// cleanupInterval. A non-positive interval disables the sweep.
func NewMemory(cleanupInterval time.Duration, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		values: make(map[string]entry),
		lists:  make(map[string][][]byte),
		logger: logger,
		stop:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.cleanupLoop(cleanupInterval)
	}
	return m
}

// Get implements rights2roof.Store.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	item, found := m.values[key]
	if !found {
		return nil, false, nil
	}
	if item.expired(time.Now().UnixNano()) {
		m.logger.Debug("Store item expired", "key", key)
		return nil, false, nil
	}
	return clone(item.Value), true, nil
}

// Set implements rights2roof.Store.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var expiration int64
	if ttl > 0 {
		expiration = time.Now().Add(ttl).UnixNano()
	}
	m.values[key] = entry{Value: clone(value), Expiration: expiration}
	return nil
}

// Append implements rights2roof.Store.
func (m *Memory) Append(ctx context.Context, key string, value []byte) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], clone(value))
	return nil
}

// Read implements rights2roof.Store.
func (m *Memory) Read(ctx context.Context, key string, limit int) ([][]byte, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.lists[key]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([][]byte, len(list))
	for i, v := range list {
		out[i] = clone(v)
	}
	return out, nil
}

// Close stops the cleanup loop.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// sweep removes expired values and reports whether anything was removed.
func (m *Memory) sweep() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixNano()
	removed := false
	for key, item := range m.values {
		if item.expired(now) {
			delete(m.values, key)
			removed = true
		}
	}
	return removed
}

func (m *Memory) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
