package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statemesh/statemesh/internal/config"
	"github.com/statemesh/statemesh/pkg/proto"
)

func TestInitWritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile = filepath.Join(dir, "statemesh.yaml")

	cmd := newInitCmd()
	require.NoError(t, cmd.Flags().Set("listen", ":9999"))
	require.NoError(t, cmd.RunE(cmd, nil))

	cfg, err := config.LoadNodeConfig(cfgFile)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, 3, cfg.Gossip.RetryCount())
}

func TestInitRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	cfgFile = filepath.Join(dir, "statemesh.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("node_id: x\n"), 0o600))

	cmd := newInitCmd()
	assert.Error(t, cmd.RunE(cmd, nil))
}

func TestAPICallAuthAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(proto.ErrorResponse{
				Code: http.StatusUnauthorized, Message: "invalid token",
			})
			return
		}
		json.NewEncoder(w).Encode(proto.NodeListResponse{
			Nodes: []proto.NodeSnapshot{{NodeID: "n1", TotalCapacity: 10, AvailableCapacity: 5}},
		})
	}))
	defer srv.Close()
	nodeAddr = srv.URL

	authToken = "wrong"
	var resp proto.NodeListResponse
	err := apiCall(http.MethodGet, "/nodes", nil, &resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")

	authToken = "tok"
	require.NoError(t, apiCall(http.MethodGet, "/nodes", nil, &resp))
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, "n1", resp.Nodes[0].NodeID)
}

func TestOpenStoresMemory(t *testing.T) {
	reg, nets, versions, closeAll, err := openStores("")
	require.NoError(t, err)
	defer closeAll()
	assert.NotNil(t, reg)
	assert.NotNil(t, nets)
	assert.NotNil(t, versions)
}

func TestOpenStoresBolt(t *testing.T) {
	dir := t.TempDir()
	reg, nets, versions, closeAll, err := openStores(dir)
	require.NoError(t, err)
	defer closeAll()
	assert.NotNil(t, reg)
	assert.NotNil(t, nets)
	assert.NotNil(t, versions)
}
