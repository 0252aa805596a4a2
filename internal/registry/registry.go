// Package registry implements the node capacity registry: local bookkeeping
// of each known node's declared total and available storage capacity.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/statemesh/statemesh/pkg/proto"
)

// ErrNotFound is returned when a node id is unknown to the registry.
var ErrNotFound = errors.New("registry: node not found")

// Registry stores the latest self-reported or peer-reported capacity per node.
// Upserts are last-write-wins on whatever value is passed; callers serialize
// their own writes per node.
type Registry interface {
	// UpsertNode inserts or replaces a node snapshot by node id.
	UpsertNode(ctx context.Context, node proto.NodeSnapshot) error
	// GetNode returns a node snapshot, or ErrNotFound.
	GetNode(ctx context.Context, nodeID string) (proto.NodeSnapshot, error)
	// GetAvailableCapacity returns a node's available capacity, or ErrNotFound.
	GetAvailableCapacity(ctx context.Context, nodeID string) (uint64, error)
	// Reserve atomically decrements a node's available capacity, saturating
	// at zero, and returns the updated snapshot. ErrNotFound for unknown ids.
	Reserve(ctx context.Context, nodeID string, amount uint64) (proto.NodeSnapshot, error)
	// ListNodes returns all known node ids in lexicographic order.
	ListNodes(ctx context.Context) ([]string, error)
	// DeleteNode removes a node. Deleting an unknown node is a no-op.
	DeleteNode(ctx context.Context, nodeID string) error
	// Flush forces pending writes to durable storage.
	Flush(ctx context.Context) error
}

// clamp enforces available <= total at the registry boundary. Peer-reported
// rows are never rejected, only corrected.
func clamp(node proto.NodeSnapshot) proto.NodeSnapshot {
	if node.AvailableCapacity > node.TotalCapacity {
		log.Warn().
			Str("node", node.NodeID).
			Uint64("available", node.AvailableCapacity).
			Uint64("total", node.TotalCapacity).
			Msg("clamping reported available capacity to total")
		node.AvailableCapacity = node.TotalCapacity
	}
	return node
}

// saturatingSub never underflows; a stale row reserves down to zero at worst.
func saturatingSub(available, amount uint64) uint64 {
	if available < amount {
		return 0
	}
	return available - amount
}

// Memory is an in-memory Registry. Safe for concurrent use; all operations
// are point lookups so a whole-map RWMutex is held only for the copy.
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]proto.NodeSnapshot
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{nodes: make(map[string]proto.NodeSnapshot)}
}

func (m *Memory) UpsertNode(_ context.Context, node proto.NodeSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.NodeID] = clamp(node)
	return nil
}

func (m *Memory) GetNode(_ context.Context, nodeID string) (proto.NodeSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return proto.NodeSnapshot{}, ErrNotFound
	}
	return node, nil
}

func (m *Memory) GetAvailableCapacity(ctx context.Context, nodeID string) (uint64, error) {
	node, err := m.GetNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	return node.AvailableCapacity, nil
}

func (m *Memory) Reserve(_ context.Context, nodeID string, amount uint64) (proto.NodeSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return proto.NodeSnapshot{}, ErrNotFound
	}
	node.AvailableCapacity = saturatingSub(node.AvailableCapacity, amount)
	m.nodes[nodeID] = node
	return node, nil
}

func (m *Memory) ListNodes(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) DeleteNode(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
	return nil
}

func (m *Memory) Flush(_ context.Context) error {
	return nil
}
