package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process BlobStore for one account.
type MemoryStore struct {
	mu      sync.Mutex
	names   map[string]string
	blobs   map[string][]byte
	uploads int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		names: make(map[string]string),
		blobs: make(map[string][]byte),
	}
}

func (m *MemoryStore) FileIDByName(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.names[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return id, nil
}

func (m *MemoryStore) CreateFile(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.names[name] = id
	m.blobs[id] = nil
	return id, nil
}

func (m *MemoryStore) Download(ctx context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[id]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Upload(ctx context.Context, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; !ok {
		return fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	m.blobs[id] = append([]byte(nil), data...)
	m.uploads++
	return nil
}

// Uploads returns how many uploads the store has accepted.
func (m *MemoryStore) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// Get returns the content of the blob called name.
func (m *MemoryStore) Get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.names[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), m.blobs[id]...), true
}

// Put writes the blob called name, creating it if needed. It does not count
// as an upload.
func (m *MemoryStore) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.names[name]
	if !ok {
		id = uuid.NewString()
		m.names[name] = id
	}
	m.blobs[id] = append([]byte(nil), data...)
}

// MemoryConnector hands out one MemoryStore per account.
type MemoryConnector struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
}

// NewMemoryConnector returns a connector with no accounts.
func NewMemoryConnector() *MemoryConnector {
	return &MemoryConnector{stores: make(map[string]*MemoryStore)}
}

// Connect returns the account's store, creating it on first use.
func (c *MemoryConnector) Connect(ctx context.Context, account string) (BlobStore, error) {
	return c.Store(account), nil
}

// Store returns the account's store for inspection.
func (c *MemoryConnector) Store(account string) *MemoryStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stores[account]
	if !ok {
		s = NewMemoryStore()
		c.stores[account] = s
	}
	return s
}
