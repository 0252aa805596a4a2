package coord

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statemesh/statemesh/internal/contentnet"
	"github.com/statemesh/statemesh/internal/gossip"
	"github.com/statemesh/statemesh/internal/peernet"
	"github.com/statemesh/statemesh/internal/placement"
	"github.com/statemesh/statemesh/internal/registry"
	"github.com/statemesh/statemesh/internal/version"
)

func newClusterNode(t *testing.T, nodeID, authToken string, seeds ...string) *testNode {
	t.Helper()
	reg := registry.NewMemory()
	nets := contentnet.NewMemory()
	versions := version.NewMemory()
	peers := peernet.NewStatic()
	planner := placement.NewPlanner(reg, peers, 20)
	bus := gossip.New(nodeID, gossip.Options{
		Seeds:             seeds,
		AuthToken:         authToken,
		MaxRetries:        3,
		RetryDelay:        20 * time.Millisecond,
		ConnectionTimeout: 2 * time.Second,
		HeartbeatInterval: time.Second,
	})
	t.Cleanup(bus.Close)
	svc := NewService(nodeID, reg, nets, versions, planner, peers, bus, 1)
	return &testNode{svc: svc, reg: reg, nets: nets, peers: peers, bus: bus}
}

// Two nodes connected over a real websocket gossip link converge on node
// registrations, content networks, and version history.
func TestTwoNodeConvergence(t *testing.T) {
	ctx := context.Background()

	a := newClusterNode(t, "na", "")
	srvA := httptest.NewServer(NewServer(a.svc, a.bus, "").Handler())
	defer srvA.Close()

	b := newClusterNode(t, "nb", "", strings.TrimPrefix(srvA.URL, "http://"))
	b.bus.Start()

	require.Eventually(t, func() bool {
		return b.bus.PeerCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	// B registering must show up in A's registry via gossip.
	_, err := b.svc.RegisterNode(ctx, 1000)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		nodes, err := a.svc.ListNodes(ctx)
		return err == nil && len(nodes) == 1 && nodes[0].NodeID == "nb"
	}, 3*time.Second, 10*time.Millisecond)

	// Content created on B replicates its network and genesis version to A.
	created, err := b.svc.CreateContent(ctx, []byte("shared"), 100, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"nb"}, created.ManagingNodes)

	require.Eventually(t, func() bool {
		info, err := a.svc.GetContentNetwork(ctx, created.ContentID)
		return err == nil && len(info.ManagingNodes) == 1 && info.ManagingNodes[0] == "nb"
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		data, _, err := a.svc.LatestData(ctx, created.ContentID)
		return err == nil && string(data) == "shared"
	}, 3*time.Second, 10*time.Millisecond)

	// Capacity reservation on B propagates too.
	require.Eventually(t, func() bool {
		avail, err := a.reg.GetAvailableCapacity(ctx, "nb")
		return err == nil && avail == 900
	}, 3*time.Second, 10*time.Millisecond)

	// An update committed on B becomes A's latest.
	updated, err := b.svc.UpdateContent(ctx, created.ContentID, []byte("shared-v2"), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, versionID, err := a.svc.LatestData(ctx, created.ContentID)
		return err == nil && string(data) == "shared-v2" && versionID == updated.VersionID
	}, 3*time.Second, 10*time.Millisecond)

	history, err := a.svc.GetHistory(ctx, created.ContentID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

// The gossip dialer must present the bearer token, or an auth-enabled mesh
// never forms.
func TestGossipDialWithAuthToken(t *testing.T) {
	ctx := context.Background()

	a := newClusterNode(t, "na", "")
	srvA := httptest.NewServer(NewServer(a.svc, a.bus, "secret").Handler())
	defer srvA.Close()

	b := newClusterNode(t, "nb", "secret", strings.TrimPrefix(srvA.URL, "http://"))
	b.bus.Start()

	require.Eventually(t, func() bool {
		return b.bus.PeerCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	_, err := b.svc.RegisterNode(ctx, 500)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		nodes, err := a.svc.ListNodes(ctx)
		return err == nil && len(nodes) == 1 && nodes[0].NodeID == "nb"
	}, 3*time.Second, 10*time.Millisecond)
}

// A dialer with the wrong token must stay disconnected rather than joining
// the mesh unauthenticated.
func TestGossipDialRejectedWithWrongToken(t *testing.T) {
	a := newClusterNode(t, "na", "")
	srvA := httptest.NewServer(NewServer(a.svc, a.bus, "secret").Handler())
	defer srvA.Close()

	b := newClusterNode(t, "nb", "wrong", strings.TrimPrefix(srvA.URL, "http://"))
	b.bus.Start()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, b.bus.PeerCount())
}
