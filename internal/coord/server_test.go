package coord

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statemesh/statemesh/pkg/proto"
)

func newTestServer(t *testing.T, authToken string) (*testNode, *httptest.Server) {
	t.Helper()
	n := newTestNode(t, "n1")
	srv := httptest.NewServer(NewServer(n.svc, n.bus, authToken).Handler())
	t.Cleanup(srv.Close)
	return n, srv
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthNoAuth(t *testing.T) {
	_, srv := newTestServer(t, "secret")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[proto.HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "n1", health.NodeID)
}

func TestAuthRequired(t *testing.T) {
	_, srv := newTestServer(t, "secret")

	resp := doJSON(t, http.MethodGet, srv.URL+"/nodes", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/nodes", "wrong", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/nodes", "secret", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterAndNodeInfo(t *testing.T) {
	_, srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodGet, srv.URL+"/node/info", "", nil)
	info := decode[proto.NodeInfoResponse](t, resp)
	assert.Equal(t, "n1", info.NodeID)
	assert.Nil(t, info.TotalCapacity)

	resp = doJSON(t, http.MethodPost, srv.URL+"/node/register", "", proto.RegisterNodeRequest{TotalCapacity: 500})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reg := decode[proto.RegisterNodeResponse](t, resp)
	assert.Equal(t, uint64(500), reg.AvailableCapacity)

	resp = doJSON(t, http.MethodGet, srv.URL+"/node/info", "", nil)
	info = decode[proto.NodeInfoResponse](t, resp)
	require.NotNil(t, info.TotalCapacity)
	assert.Equal(t, uint64(500), *info.TotalCapacity)

	resp = doJSON(t, http.MethodGet, srv.URL+"/nodes", "", nil)
	nodes := decode[proto.NodeListResponse](t, resp)
	require.Len(t, nodes.Nodes, 1)
	assert.Equal(t, "n1", nodes.Nodes[0].NodeID)
}

func TestRegisterRejectsZeroCapacity(t *testing.T) {
	_, srv := newTestServer(t, "")
	resp := doJSON(t, http.MethodPost, srv.URL+"/node/register", "", proto.RegisterNodeRequest{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestContentLifecycle(t *testing.T) {
	_, srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/node/register", "", proto.RegisterNodeRequest{TotalCapacity: 1000})
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/content", "", proto.CreateContentRequest{
		Data:             base64.StdEncoding.EncodeToString([]byte("hello")),
		RequiredCapacity: 100,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[proto.CreateContentResponse](t, resp)
	assert.Equal(t, []string{"n1"}, created.ManagingNodes)

	resp = doJSON(t, http.MethodGet, srv.URL+"/content/"+created.ContentID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	net := decode[proto.ContentNetworkInfo](t, resp)
	assert.Equal(t, created.ContentID, net.ContentID)
	assert.Equal(t, []string{"n1"}, net.ManagingNodes)

	resp = doJSON(t, http.MethodGet, srv.URL+"/content/"+created.ContentID+"/data", "", nil)
	data := decode[proto.ContentDataResponse](t, resp)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), data.Data)

	resp = doJSON(t, http.MethodPut, srv.URL+"/content/"+created.ContentID, "", proto.UpdateContentRequest{
		Data: base64.StdEncoding.EncodeToString([]byte("world")),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[proto.UpdateContentResponse](t, resp)
	assert.Equal(t, created.VersionID, updated.Predecessor)

	resp = doJSON(t, http.MethodGet, srv.URL+"/content/"+created.ContentID+"/data", "", nil)
	data = decode[proto.ContentDataResponse](t, resp)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("world")), data.Data)
	assert.Equal(t, updated.VersionID, data.VersionID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/content/"+created.ContentID+"/version/"+created.VersionID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = decode[proto.ContentDataResponse](t, resp)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), data.Data)

	resp = doJSON(t, http.MethodGet, srv.URL+"/content/"+created.ContentID+"/history", "", nil)
	history := decode[proto.HistoryResponse](t, resp)
	require.Len(t, history.Versions, 2)
	assert.Equal(t, created.VersionID, history.Versions[0].VersionID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/contents", "", nil)
	list := decode[proto.ContentListResponse](t, resp)
	assert.Equal(t, []string{created.ContentID}, list.ContentIDs)
}

func TestUpdateConflictReturns409(t *testing.T) {
	_, srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/node/register", "", proto.RegisterNodeRequest{TotalCapacity: 1000})
	resp.Body.Close()
	resp = doJSON(t, http.MethodPost, srv.URL+"/content", "", proto.CreateContentRequest{
		Data: base64.StdEncoding.EncodeToString([]byte("v1")),
	})
	created := decode[proto.CreateContentResponse](t, resp)

	resp = doJSON(t, http.MethodPut, srv.URL+"/content/"+created.ContentID, "", proto.UpdateContentRequest{
		Data: base64.StdEncoding.EncodeToString([]byte("v2")),
	})
	resp.Body.Close()

	resp = doJSON(t, http.MethodPut, srv.URL+"/content/"+created.ContentID, "", proto.UpdateContentRequest{
		Data:        base64.StdEncoding.EncodeToString([]byte("v3")),
		Predecessor: created.VersionID,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	errResp := decode[proto.ErrorResponse](t, resp)
	assert.Equal(t, http.StatusConflict, errResp.Code)
}

func TestUpdateForeignContentReturns403(t *testing.T) {
	n, srv := newTestServer(t, "")

	require.NoError(t, n.svc.onManagerAdded(proto.Event{
		Type: proto.EventManagerAdded,
		ManagerAdded: &proto.ManagerAddedEvent{
			ContentID:     "foreign",
			AddedNodeID:   "n9",
			ManagingNodes: []string{"n9"},
		},
	}))

	resp := doJSON(t, http.MethodPut, srv.URL+"/content/foreign", "", proto.UpdateContentRequest{
		Data: base64.StdEncoding.EncodeToString([]byte("x")),
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCreateContentExhaustedReturns507(t *testing.T) {
	_, srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/node/register", "", proto.RegisterNodeRequest{TotalCapacity: 100})
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/content", "", proto.CreateContentRequest{
		Data:             base64.StdEncoding.EncodeToString([]byte("big")),
		RequiredCapacity: 500,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)
}

func TestContentNotFound(t *testing.T) {
	_, srv := newTestServer(t, "")
	for _, path := range []string{
		"/content/missing",
		"/content/missing/data",
		"/content/missing/history",
		"/content/missing/version/v1",
	} {
		resp := doJSON(t, http.MethodGet, srv.URL+path, "", nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestBadBase64Rejected(t *testing.T) {
	_, srv := newTestServer(t, "")
	resp := doJSON(t, http.MethodPost, srv.URL+"/node/register", "", proto.RegisterNodeRequest{TotalCapacity: 100})
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/content", "", proto.CreateContentRequest{Data: "not base64!!"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPeerCapacityAndAssignable(t *testing.T) {
	_, srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/capacity", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "unregistered node has no capacity to report")

	resp = doJSON(t, http.MethodPost, srv.URL+"/node/register", "", proto.RegisterNodeRequest{TotalCapacity: 1000})
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/capacity", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	capResp := decode[proto.CapacityResponse](t, resp)
	assert.Equal(t, uint64(1000), capResp.AvailableCapacity)

	resp = doJSON(t, http.MethodPost, srv.URL+"/content", "", proto.CreateContentRequest{
		Data:             base64.StdEncoding.EncodeToString([]byte("x")),
		RequiredCapacity: 50,
	})
	created := decode[proto.CreateContentResponse](t, resp)

	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/v1/assignable?capacity=%d", srv.URL, 100), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assignable := decode[proto.AssignableResponse](t, resp)
	assert.Equal(t, []string{created.ContentID}, assignable.ContentIDs)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/assignable", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	_, srv := newTestServer(t, "secret")
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
