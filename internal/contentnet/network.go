// Package contentnet implements the content network: the grow-only set of
// node ids managing one content item. Merge across replicas is set union,
// which is commutative, associative, and idempotent, so replicas converge
// regardless of message order or duplication.
package contentnet

import (
	"errors"

	"github.com/statemesh/statemesh/pkg/proto"
)

// ErrNotFound is returned when a content id is unknown to the store.
var ErrNotFound = errors.New("contentnet: content network not found")

// ErrEmptyContentID is returned when constructing a network without an id.
var ErrEmptyContentID = errors.New("contentnet: content id must not be empty")

// Network is the replicated state for one content item. Managers only grows
// through local operations; convergence relies on that.
type Network struct {
	ContentID        string
	RequiredCapacity uint64
	Managers         map[string]struct{}
}

// New creates an empty content network.
func New(contentID string, requiredCapacity uint64) (Network, error) {
	if contentID == "" {
		return Network{}, ErrEmptyContentID
	}
	return Network{
		ContentID:        contentID,
		RequiredCapacity: requiredCapacity,
		Managers:         make(map[string]struct{}),
	}, nil
}

// Clone returns a deep copy.
func (n Network) Clone() Network {
	managers := make(map[string]struct{}, len(n.Managers))
	for id := range n.Managers {
		managers[id] = struct{}{}
	}
	return Network{
		ContentID:        n.ContentID,
		RequiredCapacity: n.RequiredCapacity,
		Managers:         managers,
	}
}

// Contains reports whether nodeID manages this content.
func (n Network) Contains(nodeID string) bool {
	_, ok := n.Managers[nodeID]
	return ok
}

// Nodes returns the managing node ids in lexicographic order.
func (n Network) Nodes() []string {
	return proto.SortedNodes(n.Managers)
}

// Info returns the wire form of the network.
func (n Network) Info() proto.ContentNetworkInfo {
	return proto.ContentNetworkInfo{
		ContentID:        n.ContentID,
		ManagingNodes:    n.Nodes(),
		RequiredCapacity: n.RequiredCapacity,
	}
}

// AddManager inserts nodeID into the managing set and returns the new network
// with the events describing the change. The insert is idempotent; exactly one
// ManagerAdded event is emitted per call even when the set was unchanged, so
// receivers can detect and discard no-op replays by comparing snapshots.
// Pure: neither input is mutated and no I/O happens here.
func AddManager(n Network, nodeID string) (Network, []proto.Event) {
	out := n.Clone()
	out.Managers[nodeID] = struct{}{}

	event := proto.Event{
		Type:      proto.EventManagerAdded,
		Timestamp: proto.Now(),
		ManagerAdded: &proto.ManagerAddedEvent{
			ContentID:        out.ContentID,
			AddedNodeID:      nodeID,
			ManagingNodes:    out.Nodes(),
			RequiredCapacity: out.RequiredCapacity,
		},
	}
	return out, []proto.Event{event}
}

// Merge unions two replicas of the same content network. RequiredCapacity
// disagreements resolve to the larger value so assignability never loosens.
func Merge(a, b Network) Network {
	out := a.Clone()
	if out.ContentID == "" {
		out.ContentID = b.ContentID
	}
	if b.RequiredCapacity > out.RequiredCapacity {
		out.RequiredCapacity = b.RequiredCapacity
	}
	if out.Managers == nil {
		out.Managers = make(map[string]struct{}, len(b.Managers))
	}
	for id := range b.Managers {
		out.Managers[id] = struct{}{}
	}
	return out
}

// FromInfo rebuilds a network value from its wire form.
func FromInfo(info proto.ContentNetworkInfo) Network {
	managers := make(map[string]struct{}, len(info.ManagingNodes))
	for _, id := range info.ManagingNodes {
		managers[id] = struct{}{}
	}
	return Network{
		ContentID:        info.ContentID,
		RequiredCapacity: info.RequiredCapacity,
		Managers:         managers,
	}
}
