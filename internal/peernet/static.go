package peernet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/statemesh/statemesh/internal/placement"
)

// Static is an in-process Network over fixed capacity data. Used in tests and
// in single-node deployments with no configured peers.
type Static struct {
	mu         sync.RWMutex
	capacities map[string]uint64
	assignable []string
}

// NewStatic creates a static peer network.
func NewStatic() *Static {
	return &Static{capacities: make(map[string]uint64)}
}

// SetCapacity sets a peer's reported capacity.
func (s *Static) SetCapacity(nodeID string, capacity uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacities[nodeID] = capacity
}

// SetAssignable sets the content ids returned by QueryAssignableCIDs.
func (s *Static) SetAssignable(cids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignable = append([]string(nil), cids...)
}

func (s *Static) FindClosestPeers(_ context.Context, key []byte, k int) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.capacities))
	for id := range s.capacities {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var fixed [placement.KeySize]byte
	copy(fixed[:], key)
	sort.SliceStable(ids, func(i, j int) bool {
		if placement.Closer(fixed, ids[i], ids[j]) {
			return true
		}
		if placement.Closer(fixed, ids[j], ids[i]) {
			return false
		}
		return ids[i] < ids[j]
	})
	if len(ids) > k {
		ids = ids[:k]
	}
	return ids, nil
}

func (s *Static) QueryNodeCapacity(_ context.Context, nodeID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	capacity, ok := s.capacities[nodeID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, nodeID)
	}
	return capacity, nil
}

func (s *Static) QueryAssignableCIDs(_ context.Context, _ uint64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.assignable...), nil
}
