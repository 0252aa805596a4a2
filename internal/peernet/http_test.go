package peernet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/statemesh/statemesh/internal/config"
	"github.com/statemesh/statemesh/internal/placement"
	"github.com/statemesh/statemesh/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakePeerServer(t *testing.T, nodeID string, capacity uint64, assignable []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/capacity", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(proto.CapacityResponse{NodeID: nodeID, AvailableCapacity: capacity})
	})
	mux.HandleFunc("/api/v1/assignable", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(proto.AssignableResponse{ContentIDs: assignable})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTP_QueryNodeCapacity(t *testing.T) {
	srv := fakePeerServer(t, "n2", 1234, nil)

	net := NewHTTP([]config.PeerAddr{{ID: "n2", Addr: srv.URL}}, "test-token", time.Second)

	capacity, err := net.QueryNodeCapacity(context.Background(), "n2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), capacity)
}

func TestHTTP_QueryNodeCapacity_UnknownPeer(t *testing.T) {
	net := NewHTTP(nil, "test-token", time.Second)

	_, err := net.QueryNodeCapacity(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestHTTP_QueryNodeCapacity_Unreachable(t *testing.T) {
	net := NewHTTP([]config.PeerAddr{{ID: "n2", Addr: "http://127.0.0.1:1"}}, "test-token", 200*time.Millisecond)

	_, err := net.QueryNodeCapacity(context.Background(), "n2")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTP_QueryAssignableCIDs_UnionsPeers(t *testing.T) {
	srv1 := fakePeerServer(t, "n1", 10, []string{"c1", "c2"})
	srv2 := fakePeerServer(t, "n2", 10, []string{"c2", "c3"})

	net := NewHTTP([]config.PeerAddr{
		{ID: "n1", Addr: srv1.URL},
		{ID: "n2", Addr: srv2.URL},
	}, "test-token", time.Second)

	cids, err := net.QueryAssignableCIDs(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3"}, cids)
}

func TestHTTP_QueryAssignableCIDs_ToleratesPartialFailure(t *testing.T) {
	srv := fakePeerServer(t, "n1", 10, []string{"c1"})

	net := NewHTTP([]config.PeerAddr{
		{ID: "n1", Addr: srv.URL},
		{ID: "n2", Addr: "http://127.0.0.1:1"},
	}, "test-token", 200*time.Millisecond)

	cids, err := net.QueryAssignableCIDs(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, cids)
}

func TestHTTP_FindClosestPeers_RanksAndBounds(t *testing.T) {
	net := NewHTTP([]config.PeerAddr{
		{ID: "n1", Addr: "http://a"},
		{ID: "n2", Addr: "http://b"},
		{ID: "n3", Addr: "http://c"},
	}, "", time.Second)

	key := placement.ComputePlacementKey("content-1")

	all, err := net.FindClosestPeers(context.Background(), key[:], 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// The first entry must be at least as close as every other.
	for _, id := range all[1:] {
		assert.False(t, placement.Closer(key, id, all[0]))
	}

	two, err := net.FindClosestPeers(context.Background(), key[:], 2)
	require.NoError(t, err)
	assert.Equal(t, all[:2], two)
}

func TestHTTP_AddPeer(t *testing.T) {
	net := NewHTTP(nil, "", time.Second)
	net.AddPeer("n9", "http://x")

	assert.Equal(t, []string{"n9"}, net.Peers())
}
