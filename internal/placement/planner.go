package placement

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/statemesh/statemesh/internal/metrics"
	"github.com/statemesh/statemesh/internal/registry"
	"github.com/statemesh/statemesh/pkg/proto"
)

// ErrCapacityExhausted is returned when no node can hold the content. A
// placement is never fabricated.
var ErrCapacityExhausted = errors.New("placement: no node with sufficient capacity")

// CapacityQuerier is the slice of the peer network the planner needs: a
// proximity-ranked candidate list and per-peer capacity lookups.
type CapacityQuerier interface {
	FindClosestPeers(ctx context.Context, key []byte, k int) ([]string, error)
	QueryNodeCapacity(ctx context.Context, nodeID string) (uint64, error)
}

// Planner selects managing nodes for content. Selection prefers nodes closer
// to the placement key, with ties broken by node id for determinism.
type Planner struct {
	registry      registry.Registry
	network       CapacityQuerier
	maxCandidates int
}

// NewPlanner creates a placement planner. maxCandidates bounds how many
// remote peers are considered per placement run.
func NewPlanner(reg registry.Registry, network CapacityQuerier, maxCandidates int) *Planner {
	if maxCandidates <= 0 {
		maxCandidates = 20
	}
	return &Planner{
		registry:      reg,
		network:       network,
		maxCandidates: maxCandidates,
	}
}

// Plan selects up to replicationTarget nodes whose available capacity covers
// requiredCapacity, and returns them with the evidence bundle that justified
// the decision. A peer whose capacity query fails is treated as unknown and
// excluded from this run, not penalized permanently.
func (p *Planner) Plan(ctx context.Context, contentID string, replicationTarget int, requiredCapacity uint64) ([]string, proto.DhtPlacementProof, error) {
	if replicationTarget <= 0 {
		return nil, proto.DhtPlacementProof{}, fmt.Errorf("replication target must be positive, got %d", replicationTarget)
	}

	key := ComputePlacementKey(contentID)

	candidates := map[string]struct{}{}
	if closest, err := p.network.FindClosestPeers(ctx, key[:], p.maxCandidates); err != nil {
		log.Warn().Err(err).Str("content", contentID).Msg("closest-peer query failed, using local registry only")
	} else {
		for _, id := range closest {
			candidates[id] = struct{}{}
		}
	}

	local, err := p.registry.ListNodes(ctx)
	if err != nil {
		return nil, proto.DhtPlacementProof{}, fmt.Errorf("list local nodes: %w", err)
	}
	for _, id := range local {
		candidates[id] = struct{}{}
	}

	// Rank all candidates by XOR distance to the placement key, ties by id.
	ranked := proto.SortedNodes(candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return Closer(key, ranked[i], ranked[j])
	})

	proof := proto.DhtPlacementProof{ClosestPeers: ranked}

	var selected []string
	for _, id := range ranked {
		capacity, err := p.lookupCapacity(ctx, id)
		if err != nil {
			log.Debug().Err(err).Str("node", id).Msg("capacity unknown, excluding from placement")
			continue
		}
		proof.CapacityEvidence = append(proof.CapacityEvidence, proto.CapacityEvidence{
			PeerID:           id,
			ReportedCapacity: capacity,
		})
		if capacity == 0 || capacity < requiredCapacity {
			continue
		}
		if len(selected) < replicationTarget {
			selected = append(selected, id)
		}
	}

	if len(selected) < replicationTarget {
		metrics.PlacementsExhausted.Inc()
		return nil, proof, fmt.Errorf("%w: content %s needs %d nodes with capacity %d, found %d",
			ErrCapacityExhausted, contentID, replicationTarget, requiredCapacity, len(selected))
	}

	metrics.PlacementsPlanned.Inc()
	log.Info().
		Str("content", contentID).
		Strs("selected", selected).
		Int("target", replicationTarget).
		Msg("placement planned")

	return selected, proof, nil
}

// lookupCapacity prefers the local registry and falls back to a remote query.
func (p *Planner) lookupCapacity(ctx context.Context, nodeID string) (uint64, error) {
	capacity, err := p.registry.GetAvailableCapacity(ctx, nodeID)
	if err == nil {
		return capacity, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return 0, err
	}
	return p.network.QueryNodeCapacity(ctx, nodeID)
}
