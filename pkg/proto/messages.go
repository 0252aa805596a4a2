// Package proto defines shared protocol messages for statemesh.
package proto

import (
	"sort"
	"time"
)

// NodeSnapshot is a node's self-reported storage capacity.
type NodeSnapshot struct {
	NodeID            string `json:"node_id"`
	TotalCapacity     uint64 `json:"total_capacity"`
	AvailableCapacity uint64 `json:"available_capacity"`
}

// ContentNetworkInfo is the wire form of a content network: the set of nodes
// managing one content item. ManagingNodes is sorted for stable output.
type ContentNetworkInfo struct {
	ContentID        string   `json:"content_id"`
	ManagingNodes    []string `json:"managing_nodes"`
	RequiredCapacity uint64   `json:"required_capacity"`
}

// CapacityEvidence is one peer's reported capacity at placement time.
type CapacityEvidence struct {
	PeerID           string `json:"peer_id"`
	ReportedCapacity uint64 `json:"reported_capacity"`
}

// DhtPlacementProof records the inputs that justified a placement decision.
// Immutable once produced; attached to the placement event for audit.
type DhtPlacementProof struct {
	ClosestPeers     []string           `json:"closest_peers"`
	CapacityEvidence []CapacityEvidence `json:"capacity_evidence"`
}

// VersionRecord is the wire form of one entry in a content lineage.
type VersionRecord struct {
	GenesisID   string `json:"genesis_id"`
	VersionID   string `json:"version_id"`
	Predecessor string `json:"predecessor,omitempty"`
	PayloadRef  string `json:"payload_ref"`
	CommittedBy string `json:"committed_by"`
	Timestamp   int64  `json:"timestamp"`
}

// Event types carried on the gossip channel.
const (
	EventNodeRegistered   = "node_registered"
	EventPlacementDecided = "placement_decided"
	EventManagerAdded     = "content_network_manager_added"
	EventVersionCommitted = "version_committed"
)

// Event is the tagged envelope broadcast between nodes. Exactly one payload
// field is set, matching Type. Events are immutable facts and carry full-state
// snapshots rather than deltas so replay is idempotent on the receiver.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Origin    string `json:"origin"`
	Timestamp int64  `json:"timestamp"`

	NodeRegistered   *NodeRegisteredEvent   `json:"node_registered,omitempty"`
	PlacementDecided *PlacementDecidedEvent `json:"placement_decided,omitempty"`
	ManagerAdded     *ManagerAddedEvent     `json:"manager_added,omitempty"`
	VersionCommitted *VersionCommittedEvent `json:"version_committed,omitempty"`
}

// NodeRegisteredEvent announces a node's declared capacity.
type NodeRegisteredEvent struct {
	Node NodeSnapshot `json:"node"`
}

// PlacementDecidedEvent announces the outcome of a placement run, with the
// evidence bundle that justified it.
type PlacementDecidedEvent struct {
	ContentID     string            `json:"content_id"`
	SelectedNodes []string          `json:"selected_nodes"`
	Proof         DhtPlacementProof `json:"proof"`
}

// ManagerAddedEvent announces that a node joined a content network. It carries
// the full managing-node set at emission time so a receiver that missed
// intermediate events can still converge by union.
type ManagerAddedEvent struct {
	ContentID        string   `json:"content_id"`
	AddedNodeID      string   `json:"added_node_id"`
	ManagingNodes    []string `json:"managing_nodes"`
	RequiredCapacity uint64   `json:"required_capacity"`
}

// VersionCommittedEvent announces a new version record in a content lineage.
type VersionCommittedEvent struct {
	Record VersionRecord `json:"record"`
}

// Now returns the current time as a unix-seconds event timestamp.
func Now() int64 {
	return time.Now().Unix()
}

// SortedNodes returns the elements of a node-id set in lexicographic order.
func SortedNodes(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ----- HTTP API bodies -----

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
}

// NodeInfoResponse is returned by GET /node/info. Capacities are nil when the
// local node has not registered yet.
type NodeInfoResponse struct {
	NodeID            string  `json:"node_id"`
	TotalCapacity     *uint64 `json:"total_capacity,omitempty"`
	AvailableCapacity *uint64 `json:"available_capacity,omitempty"`
}

// RegisterNodeRequest is sent by POST /node/register.
type RegisterNodeRequest struct {
	TotalCapacity uint64 `json:"total_capacity"`
}

// RegisterNodeResponse is returned after successful registration.
type RegisterNodeResponse struct {
	NodeID            string `json:"node_id"`
	TotalCapacity     uint64 `json:"total_capacity"`
	AvailableCapacity uint64 `json:"available_capacity"`
}

// NodeListResponse is returned by GET /nodes.
type NodeListResponse struct {
	Nodes []NodeSnapshot `json:"nodes"`
}

// CreateContentRequest is sent by POST /content. Data is base64 encoded.
type CreateContentRequest struct {
	Data              string `json:"data"`
	RequiredCapacity  uint64 `json:"required_capacity,omitempty"`
	ReplicationTarget int    `json:"replication_target,omitempty"`
}

// CreateContentResponse is returned after content creation.
type CreateContentResponse struct {
	ContentID     string   `json:"content_id"`
	VersionID     string   `json:"version_id"`
	ManagingNodes []string `json:"managing_nodes"`
}

// UpdateContentRequest is sent by PUT /content/{id}. Data is base64 encoded.
// Predecessor pins the version the update was built against; when empty the
// node's current latest is used.
type UpdateContentRequest struct {
	Data        string `json:"data"`
	Predecessor string `json:"predecessor,omitempty"`
}

// UpdateContentResponse is returned after a successful update.
type UpdateContentResponse struct {
	ContentID   string `json:"content_id"`
	VersionID   string `json:"version_id"`
	Predecessor string `json:"predecessor"`
}

// ContentListResponse is returned by GET /contents.
type ContentListResponse struct {
	ContentIDs []string `json:"content_ids"`
}

// ContentDataResponse is returned by GET /content/{id}/data and
// GET /content/{id}/version/{version}. Data is base64 encoded.
type ContentDataResponse struct {
	ContentID string `json:"content_id"`
	VersionID string `json:"version_id"`
	Data      string `json:"data"`
}

// HistoryResponse is returned by GET /content/{id}/history, ordered
// oldest to newest along the predecessor chain.
type HistoryResponse struct {
	ContentID string          `json:"content_id"`
	Versions  []VersionRecord `json:"versions"`
}

// CapacityResponse is returned by the peer capacity query endpoint.
type CapacityResponse struct {
	NodeID            string `json:"node_id"`
	AvailableCapacity uint64 `json:"available_capacity"`
}

// AssignableResponse is returned by the peer assignable-content query.
type AssignableResponse struct {
	ContentIDs []string `json:"content_ids"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
