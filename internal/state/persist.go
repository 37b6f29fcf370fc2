package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/rift/internal/doc"
)

// Persister saves and restores the allow-listed namespaces.
// Load returns nil, nil when nothing has been saved.
type Persister interface {
	Load(ctx context.Context) (map[string]any, error)
	Save(ctx context.Context, data map[string]any) error
}

// MemoryPersister keeps the snapshot as serialized bytes in memory.
type MemoryPersister struct {
	mu   sync.Mutex
	raw  []byte
	fail error
}

var _ Persister = (*MemoryPersister)(nil)

// NewMemoryPersister creates an empty persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

// Load decodes the saved snapshot.
func (m *MemoryPersister) Load(context.Context) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.raw == nil {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(m.raw, &out); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return out, nil
}

// Save replaces the snapshot.
func (m *MemoryPersister) Save(_ context.Context, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return m.fail
	}
	raw, err := doc.MarshalCanonical(data)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	m.raw = raw
	return nil
}

// Raw returns the serialized snapshot.
func (m *MemoryPersister) Raw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raw
}

// SetRaw replaces the serialized snapshot, corrupt or not.
func (m *MemoryPersister) SetRaw(raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = raw
}

// FailWith makes every Save return err. Pass nil to clear.
func (m *MemoryPersister) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}
