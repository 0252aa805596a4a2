package peernet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/statemesh/statemesh/internal/config"
	"github.com/statemesh/statemesh/internal/placement"
	"github.com/statemesh/statemesh/pkg/proto"
)

// HTTP queries peers over their node HTTP APIs. The address book maps node
// ids to base URLs; peers learned at runtime can be added concurrently.
type HTTP struct {
	client    *http.Client
	authToken string

	mu   sync.RWMutex
	book map[string]string // node id -> base URL
}

// NewHTTP creates a peer network client from the configured address book.
func NewHTTP(peers []config.PeerAddr, authToken string, connectionTimeout time.Duration) *HTTP {
	book := make(map[string]string, len(peers))
	for _, p := range peers {
		book[p.ID] = p.Addr
	}
	return &HTTP{
		client:    &http.Client{Timeout: connectionTimeout},
		authToken: authToken,
		book:      book,
	}
}

// AddPeer records (or replaces) a peer's address.
func (h *HTTP) AddPeer(nodeID, addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.book[nodeID] = addr
}

// Peers returns the known peer ids in lexicographic order.
func (h *HTTP) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.book))
	for id := range h.book {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *HTTP) addrOf(nodeID string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	addr, ok := h.book[nodeID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, nodeID)
	}
	return addr, nil
}

func (h *HTTP) FindClosestPeers(_ context.Context, key []byte, k int) ([]string, error) {
	var fixed [placement.KeySize]byte
	copy(fixed[:], key)

	ids := h.Peers()
	sort.SliceStable(ids, func(i, j int) bool {
		return placement.Closer(fixed, ids[i], ids[j])
	})
	if len(ids) > k {
		ids = ids[:k]
	}
	return ids, nil
}

func (h *HTTP) QueryNodeCapacity(ctx context.Context, nodeID string) (uint64, error) {
	addr, err := h.addrOf(nodeID)
	if err != nil {
		return 0, err
	}

	var resp proto.CapacityResponse
	if err := h.getJSON(ctx, addr+"/api/v1/capacity", &resp); err != nil {
		return 0, err
	}
	return resp.AvailableCapacity, nil
}

func (h *HTTP) QueryAssignableCIDs(ctx context.Context, capacity uint64) ([]string, error) {
	union := make(map[string]struct{})
	var lastErr error
	for _, id := range h.Peers() {
		addr, err := h.addrOf(id)
		if err != nil {
			continue
		}
		var resp proto.AssignableResponse
		url := addr + "/api/v1/assignable?capacity=" + strconv.FormatUint(capacity, 10)
		if err := h.getJSON(ctx, url, &resp); err != nil {
			log.Debug().Err(err).Str("peer", id).Msg("assignable query failed")
			lastErr = err
			continue
		}
		for _, cid := range resp.ContentIDs {
			union[cid] = struct{}{}
		}
	}
	if len(union) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return proto.SortedNodes(union), nil
}

func (h *HTTP) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if h.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.authToken)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
