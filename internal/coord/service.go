// Package coord implements the state coordination service for statemesh: the
// single entry point that registers nodes, places and versions content, and
// keeps local state converging with the rest of the mesh through gossip.
package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/statemesh/statemesh/internal/contentnet"
	"github.com/statemesh/statemesh/internal/gossip"
	"github.com/statemesh/statemesh/internal/peernet"
	"github.com/statemesh/statemesh/internal/placement"
	"github.com/statemesh/statemesh/internal/registry"
	"github.com/statemesh/statemesh/internal/version"
	"github.com/statemesh/statemesh/pkg/proto"
)

// ErrConflict is returned by UpdateContent when the predecessor the update
// was built against is no longer the lineage's latest version.
var ErrConflict = errors.New("coord: stale predecessor")

// ErrNotRegistered is returned when an operation needs the local node's
// capacity but the node has not registered yet.
var ErrNotRegistered = errors.New("coord: local node not registered")

// ErrNotManager is returned by UpdateContent when the local node is not in
// the content's managing set.
var ErrNotManager = errors.New("coord: node does not manage this content")

// Service orchestrates the capacity registry, the placement planner, the
// content network store, and the version store. Every write is a local
// transaction followed by an asynchronous event publish; a local write never
// waits on a remote acknowledgement.
type Service struct {
	nodeID        string
	reg           registry.Registry
	nets          contentnet.Store
	versions      version.Store
	planner       *placement.Planner
	peers         peernet.Network
	bus           *gossip.Propagator
	defaultTarget int

	// netMu guards netLocks; each entry serializes the read-merge-write of
	// one content network so concurrent gossip handlers cannot drop a
	// manager addition. Unrelated content ids never contend.
	netMu    sync.Mutex
	netLocks map[string]*sync.Mutex
}

// NewService wires the coordination service and registers its gossip
// handlers. Handlers are idempotent merges, so duplicate or reordered
// delivery only delays convergence.
func NewService(
	nodeID string,
	reg registry.Registry,
	nets contentnet.Store,
	versions version.Store,
	planner *placement.Planner,
	peers peernet.Network,
	bus *gossip.Propagator,
	defaultTarget int,
) *Service {
	if defaultTarget <= 0 {
		defaultTarget = 1
	}
	s := &Service{
		nodeID:        nodeID,
		reg:           reg,
		nets:          nets,
		versions:      versions,
		planner:       planner,
		peers:         peers,
		bus:           bus,
		defaultTarget: defaultTarget,
		netLocks:      make(map[string]*sync.Mutex),
	}
	bus.Subscribe(proto.EventNodeRegistered, s.onNodeRegistered)
	bus.Subscribe(proto.EventManagerAdded, s.onManagerAdded)
	bus.Subscribe(proto.EventVersionCommitted, s.onVersionCommitted)
	bus.Subscribe(proto.EventPlacementDecided, s.onPlacementDecided)
	return s
}

// NodeID returns the local node's id.
func (s *Service) NodeID() string {
	return s.nodeID
}

// RegisterNode records the local node's declared capacity and announces it to
// the mesh. Registration is idempotent; re-registering resets available
// capacity to the declared total.
func (s *Service) RegisterNode(ctx context.Context, totalCapacity uint64) (proto.NodeSnapshot, error) {
	snap := proto.NodeSnapshot{
		NodeID:            s.nodeID,
		TotalCapacity:     totalCapacity,
		AvailableCapacity: totalCapacity,
	}
	if err := s.reg.UpsertNode(ctx, snap); err != nil {
		return proto.NodeSnapshot{}, fmt.Errorf("register node: %w", err)
	}
	s.bus.Publish(proto.Event{
		Type:           proto.EventNodeRegistered,
		NodeRegistered: &proto.NodeRegisteredEvent{Node: snap},
	})
	log.Info().Str("node", s.nodeID).Uint64("total", totalCapacity).Msg("node registered")

	// Best effort: ask the mesh what content this node could take on. A
	// failure here never fails registration.
	if cids, err := s.peers.QueryAssignableCIDs(ctx, totalCapacity); err != nil {
		log.Debug().Err(err).Msg("assignable query failed")
	} else if len(cids) > 0 {
		log.Info().Int("count", len(cids)).Msg("content assignable to this node elsewhere in the mesh")
	}
	return snap, nil
}

// LocalNode returns the local node's current registry snapshot, or
// ErrNotRegistered.
func (s *Service) LocalNode(ctx context.Context) (proto.NodeSnapshot, error) {
	snap, err := s.reg.GetNode(ctx, s.nodeID)
	if errors.Is(err, registry.ErrNotFound) {
		return proto.NodeSnapshot{}, ErrNotRegistered
	}
	return snap, err
}

// ListNodes returns a snapshot of every known node, ordered by node id.
func (s *Service) ListNodes(ctx context.Context) ([]proto.NodeSnapshot, error) {
	ids, err := s.reg.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]proto.NodeSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.reg.GetNode(ctx, id)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// CreateContent commits a new content lineage, places it on capable nodes,
// and announces both facts. The content id is the genesis version id, derived
// from the payload before anything is written so placement can run first.
func (s *Service) CreateContent(ctx context.Context, data []byte, requiredCapacity uint64, replicationTarget int) (proto.CreateContentResponse, error) {
	if replicationTarget <= 0 {
		replicationTarget = s.defaultTarget
	}

	op := version.Operation{
		Payload:   data,
		Author:    s.nodeID,
		Timestamp: proto.Now(),
	}
	contentID := op.VersionID()

	selected, proof, err := s.planner.Plan(ctx, contentID, replicationTarget, requiredCapacity)
	if err != nil {
		return proto.CreateContentResponse{}, err
	}

	result, err := s.versions.Commit(ctx, op)
	if err != nil {
		return proto.CreateContentResponse{}, fmt.Errorf("commit genesis: %w", err)
	}

	network, err := contentnet.New(contentID, requiredCapacity)
	if err != nil {
		return proto.CreateContentResponse{}, err
	}
	var managerEvents []proto.Event
	for _, nodeID := range selected {
		var events []proto.Event
		network, events = contentnet.AddManager(network, nodeID)
		managerEvents = append(managerEvents, events...)
	}
	if err := s.saveMerged(ctx, network); err != nil {
		return proto.CreateContentResponse{}, err
	}

	s.reserveCapacity(ctx, selected, requiredCapacity)

	s.bus.Publish(proto.Event{
		Type: proto.EventPlacementDecided,
		PlacementDecided: &proto.PlacementDecidedEvent{
			ContentID:     contentID,
			SelectedNodes: selected,
			Proof:         proof,
		},
	})
	for _, ev := range managerEvents {
		s.bus.Publish(ev)
	}
	rec, err := s.versions.GetVersion(ctx, result.GenesisID, result.VersionID)
	if err == nil {
		s.bus.Publish(proto.Event{
			Type:             proto.EventVersionCommitted,
			VersionCommitted: &proto.VersionCommittedEvent{Record: rec.Wire()},
		})
	}

	log.Info().
		Str("content", contentID).
		Strs("managers", network.Nodes()).
		Uint64("required", requiredCapacity).
		Msg("content created")

	return proto.CreateContentResponse{
		ContentID:     contentID,
		VersionID:     result.VersionID,
		ManagingNodes: network.Nodes(),
	}, nil
}

func (s *Service) contentLock(contentID string) *sync.Mutex {
	s.netMu.Lock()
	defer s.netMu.Unlock()
	mu, ok := s.netLocks[contentID]
	if !ok {
		mu = &sync.Mutex{}
		s.netLocks[contentID] = mu
	}
	return mu
}

// saveMerged unions the network with any stored value before saving; the
// store itself replaces blindly, so the whole read-merge-write runs under
// the content's lock.
func (s *Service) saveMerged(ctx context.Context, network contentnet.Network) error {
	mu := s.contentLock(network.ContentID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.nets.GetContentNetwork(ctx, network.ContentID)
	switch {
	case err == nil:
		network = contentnet.Merge(existing, network)
	case errors.Is(err, contentnet.ErrNotFound):
	default:
		return err
	}
	return s.nets.SaveContentNetwork(ctx, network)
}

// reserveCapacity decrements the locally known available capacity of the
// selected nodes and announces the new snapshots. The decrement happens
// inside the registry so concurrent placements cannot read the same base
// value and lose a reservation.
func (s *Service) reserveCapacity(ctx context.Context, selected []string, requiredCapacity uint64) {
	for _, nodeID := range selected {
		snap, err := s.reg.Reserve(ctx, nodeID, requiredCapacity)
		if err != nil {
			log.Warn().Err(err).Str("node", nodeID).Msg("capacity reservation not recorded")
			continue
		}
		s.bus.Publish(proto.Event{
			Type:           proto.EventNodeRegistered,
			NodeRegistered: &proto.NodeRegisteredEvent{Node: snap},
		})
	}
}

// UpdateContent appends a new version to an existing lineage. Only a node in
// the content's managing set may commit updates. An empty predecessor means
// "whatever this node considers latest". A stale predecessor returns
// ErrConflict and leaves the lineage untouched.
func (s *Service) UpdateContent(ctx context.Context, contentID string, data []byte, predecessor string) (proto.UpdateContentResponse, error) {
	network, err := s.nets.GetContentNetwork(ctx, contentID)
	if err != nil {
		return proto.UpdateContentResponse{}, err
	}
	if !network.Contains(s.nodeID) {
		return proto.UpdateContentResponse{}, fmt.Errorf("%w: node %s, content %s", ErrNotManager, s.nodeID, contentID)
	}

	if predecessor == "" {
		latest, err := s.versions.FetchLatestByGenesis(ctx, contentID)
		if err != nil {
			return proto.UpdateContentResponse{}, err
		}
		predecessor = latest.VersionID
	}

	result, err := s.versions.Commit(ctx, version.Operation{
		GenesisID:   contentID,
		Predecessor: predecessor,
		Payload:     data,
		Author:      s.nodeID,
		Timestamp:   proto.Now(),
	})
	if err != nil {
		return proto.UpdateContentResponse{}, err
	}
	if result.Status == version.StatusConflict {
		return proto.UpdateContentResponse{}, fmt.Errorf("%w: %s", ErrConflict, result.Reason)
	}

	rec, err := s.versions.GetVersion(ctx, contentID, result.VersionID)
	if err == nil {
		s.bus.Publish(proto.Event{
			Type:             proto.EventVersionCommitted,
			VersionCommitted: &proto.VersionCommittedEvent{Record: rec.Wire()},
		})
	}

	log.Info().
		Str("content", contentID).
		Str("version", result.VersionID).
		Str("predecessor", predecessor).
		Msg("content updated")

	return proto.UpdateContentResponse{
		ContentID:   contentID,
		VersionID:   result.VersionID,
		Predecessor: predecessor,
	}, nil
}

// GetContentNetwork returns the managing-node set for one content item.
func (s *Service) GetContentNetwork(ctx context.Context, contentID string) (proto.ContentNetworkInfo, error) {
	network, err := s.nets.GetContentNetwork(ctx, contentID)
	if err != nil {
		return proto.ContentNetworkInfo{}, err
	}
	return network.Info(), nil
}

// ListContents returns every known content id in lexicographic order.
func (s *Service) ListContents(ctx context.Context) ([]string, error) {
	return s.nets.ListContentNetworks(ctx)
}

// LatestData returns the payload and version id of the lineage's head.
func (s *Service) LatestData(ctx context.Context, contentID string) ([]byte, string, error) {
	rec, err := s.versions.FetchLatestByGenesis(ctx, contentID)
	if err != nil {
		return nil, "", err
	}
	return rec.Payload, rec.VersionID, nil
}

// VersionData returns the payload of one specific version.
func (s *Service) VersionData(ctx context.Context, contentID, versionID string) ([]byte, error) {
	rec, err := s.versions.GetVersion(ctx, contentID, versionID)
	if err != nil {
		return nil, err
	}
	return rec.Payload, nil
}

// GetHistory returns the lineage oldest to newest along the predecessor
// chain, including sibling branches.
func (s *Service) GetHistory(ctx context.Context, contentID string) ([]proto.VersionRecord, error) {
	records, err := s.versions.ListHistory(ctx, contentID)
	if err != nil {
		return nil, err
	}
	out := make([]proto.VersionRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Wire())
	}
	return out, nil
}

// AvailableCapacity reports the local node's available capacity for peer
// queries.
func (s *Service) AvailableCapacity(ctx context.Context) (uint64, error) {
	avail, err := s.reg.GetAvailableCapacity(ctx, s.nodeID)
	if errors.Is(err, registry.ErrNotFound) {
		return 0, ErrNotRegistered
	}
	return avail, err
}

// AssignableCIDs returns the content ids a node with the given capacity could
// take on, in the store's documented deterministic order.
func (s *Service) AssignableCIDs(ctx context.Context, capacity uint64) ([]string, error) {
	return s.nets.FindAssignableCIDs(ctx, capacity)
}

// Flush forces all stores to durable storage.
func (s *Service) Flush(ctx context.Context) error {
	if err := s.reg.Flush(ctx); err != nil {
		return fmt.Errorf("flush registry: %w", err)
	}
	if err := s.nets.Flush(ctx); err != nil {
		return fmt.Errorf("flush content networks: %w", err)
	}
	if err := s.versions.Flush(ctx); err != nil {
		return fmt.Errorf("flush versions: %w", err)
	}
	return nil
}

// ----- gossip handlers: idempotent merges of replicated facts -----

func (s *Service) onNodeRegistered(ev proto.Event) error {
	if ev.NodeRegistered == nil {
		return fmt.Errorf("node_registered event without payload")
	}
	return s.reg.UpsertNode(context.Background(), ev.NodeRegistered.Node)
}

func (s *Service) onManagerAdded(ev proto.Event) error {
	if ev.ManagerAdded == nil {
		return fmt.Errorf("manager_added event without payload")
	}
	// The event carries the full set, so merging the snapshot converges even
	// when intermediate events were missed.
	incoming := contentnet.FromInfo(proto.ContentNetworkInfo{
		ContentID:        ev.ManagerAdded.ContentID,
		ManagingNodes:    ev.ManagerAdded.ManagingNodes,
		RequiredCapacity: ev.ManagerAdded.RequiredCapacity,
	})
	return s.saveMerged(context.Background(), incoming)
}

func (s *Service) onVersionCommitted(ev proto.Event) error {
	if ev.VersionCommitted == nil {
		return fmt.Errorf("version_committed event without payload")
	}
	rec, err := version.FromWire(ev.VersionCommitted.Record)
	if err != nil {
		return err
	}
	outcome, err := s.versions.Apply(context.Background(), rec)
	if err != nil {
		return err
	}
	if outcome == version.Applied {
		log.Debug().
			Str("content", rec.GenesisID).
			Str("version", rec.VersionID).
			Str("from", ev.Origin).
			Msg("replicated version applied")
	}
	return nil
}

func (s *Service) onPlacementDecided(ev proto.Event) error {
	if ev.PlacementDecided == nil {
		return fmt.Errorf("placement_decided event without payload")
	}
	// Audit only. The manager_added events carry the state change.
	log.Debug().
		Str("content", ev.PlacementDecided.ContentID).
		Strs("selected", ev.PlacementDecided.SelectedNodes).
		Str("from", ev.Origin).
		Msg("placement decided")
	return nil
}
