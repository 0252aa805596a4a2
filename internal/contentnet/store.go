package contentnet

import (
	"context"
	"sort"
	"sync"
)

// Store persists content networks. SaveContentNetwork is a full replace of
// the stored value; callers must have already merged the new and existing
// managing-node sets, the store does not merge.
type Store interface {
	// GetContentNetwork returns a copy of the stored network, or ErrNotFound.
	GetContentNetwork(ctx context.Context, contentID string) (Network, error)
	// SaveContentNetwork replaces the stored value for the network's content id.
	SaveContentNetwork(ctx context.Context, network Network) error
	// DeleteContentNetwork removes a network. Unknown ids are a no-op.
	DeleteContentNetwork(ctx context.Context, contentID string) error
	// ListContentNetworks returns all content ids in lexicographic order.
	ListContentNetworks(ctx context.Context) ([]string, error)
	// FindAssignableCIDs returns every content id whose required capacity is
	// <= capacity, ordered by ascending required capacity and then by
	// lexicographic content id so results are reproducible.
	FindAssignableCIDs(ctx context.Context, capacity uint64) ([]string, error)
	// Flush forces pending writes to durable storage.
	Flush(ctx context.Context) error
}

// sortAssignable applies the documented FindAssignableCIDs ordering.
func sortAssignable(ids []string, required map[string]uint64) {
	sort.Slice(ids, func(i, j int) bool {
		ri, rj := required[ids[i]], required[ids[j]]
		if ri != rj {
			return ri < rj
		}
		return ids[i] < ids[j]
	})
}

// Memory is an in-memory Store. The lock covers only map access and value
// copies; no I/O or callback runs under it.
type Memory struct {
	mu       sync.RWMutex
	networks map[string]Network
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{networks: make(map[string]Network)}
}

func (m *Memory) GetContentNetwork(_ context.Context, contentID string) (Network, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	network, ok := m.networks[contentID]
	if !ok {
		return Network{}, ErrNotFound
	}
	return network.Clone(), nil
}

func (m *Memory) SaveContentNetwork(_ context.Context, network Network) error {
	if network.ContentID == "" {
		return ErrEmptyContentID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networks[network.ContentID] = network.Clone()
	return nil
}

func (m *Memory) DeleteContentNetwork(_ context.Context, contentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.networks, contentID)
	return nil
}

func (m *Memory) ListContentNetworks(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.networks))
	for id := range m.networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) FindAssignableCIDs(_ context.Context, capacity uint64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	required := make(map[string]uint64)
	for id, network := range m.networks {
		if network.RequiredCapacity <= capacity {
			ids = append(ids, id)
			required[id] = network.RequiredCapacity
		}
	}
	sortAssignable(ids, required)
	return ids, nil
}

func (m *Memory) Flush(_ context.Context) error {
	return nil
}
