// Package peernet is the peer network port: capacity queries, assignable
// content queries, and proximity-ranked peer lookup against remote nodes.
package peernet

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when a peer cannot be reached before the
// connection timeout. Callers treat the peer's capacity as unknown, not zero.
var ErrUnavailable = errors.New("peernet: peer unavailable")

// ErrUnknownPeer is returned for node ids with no known address.
var ErrUnknownPeer = errors.New("peernet: unknown peer")

// Network is the peer network capability consumed by the placement planner
// and the coordination service.
type Network interface {
	// FindClosestPeers returns up to k known peer ids ranked by proximity
	// to key in the DHT key space.
	FindClosestPeers(ctx context.Context, key []byte, k int) ([]string, error)
	// QueryNodeCapacity asks one peer for its available capacity.
	QueryNodeCapacity(ctx context.Context, nodeID string) (uint64, error)
	// QueryAssignableCIDs asks the network which content ids a node with
	// the given capacity could take on.
	QueryAssignableCIDs(ctx context.Context, capacity uint64) ([]string, error)
}
