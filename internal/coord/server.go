package coord

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/statemesh/statemesh/internal/contentnet"
	"github.com/statemesh/statemesh/internal/gossip"
	"github.com/statemesh/statemesh/internal/metrics"
	"github.com/statemesh/statemesh/internal/placement"
	"github.com/statemesh/statemesh/internal/version"
	"github.com/statemesh/statemesh/pkg/proto"
)

// Server is the HTTP surface of one statemesh node. Every route maps 1:1 to a
// Service call; the peer routes under /api/v1 serve capacity and assignable
// queries from other nodes, and /api/v1/gossip accepts inbound gossip
// connections.
type Server struct {
	svc       *Service
	bus       *gossip.Propagator
	authToken string
	router    *mux.Router
}

// NewServer builds the node's HTTP handler.
func NewServer(svc *Service, bus *gossip.Propagator, authToken string) *Server {
	s := &Server{
		svc:       svc,
		bus:       bus,
		authToken: authToken,
		router:    mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/node/info", s.withAuth(s.handleNodeInfo)).Methods(http.MethodGet)
	r.HandleFunc("/node/register", s.withAuth(s.handleRegisterNode)).Methods(http.MethodPost)
	r.HandleFunc("/nodes", s.withAuth(s.handleListNodes)).Methods(http.MethodGet)

	r.HandleFunc("/content", s.withAuth(s.handleCreateContent)).Methods(http.MethodPost)
	r.HandleFunc("/contents", s.withAuth(s.handleListContents)).Methods(http.MethodGet)
	r.HandleFunc("/content/{id}", s.withAuth(s.handleGetContent)).Methods(http.MethodGet)
	r.HandleFunc("/content/{id}", s.withAuth(s.handleUpdateContent)).Methods(http.MethodPut)
	r.HandleFunc("/content/{id}/data", s.withAuth(s.handleContentData)).Methods(http.MethodGet)
	r.HandleFunc("/content/{id}/history", s.withAuth(s.handleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/content/{id}/version/{version}", s.withAuth(s.handleVersionData)).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/capacity", s.withAuth(s.handleCapacity)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/assignable", s.withAuth(s.handleAssignable)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/gossip", s.withAuth(s.bus.WebsocketHandler()))
}

// Handler returns the root HTTP handler for this node.
func (s *Server) Handler() http.Handler {
	return s.router
}

// withAuth requires a Bearer token matching the configured auth token. An
// empty configured token disables auth, matching single-node deployments.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		if parts[1] != s.authToken {
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

// serviceError maps service-level failures onto HTTP status codes.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, contentnet.ErrNotFound),
		errors.Is(err, version.ErrNotFound):
		s.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotRegistered):
		s.jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrConflict):
		s.jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrNotManager):
		s.jsonError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, placement.ErrCapacityExhausted):
		s.jsonError(w, err.Error(), http.StatusInsufficientStorage)
	default:
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, proto.HealthResponse{Status: "ok", NodeID: s.svc.NodeID()})
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	resp := proto.NodeInfoResponse{NodeID: s.svc.NodeID()}
	snap, err := s.svc.LocalNode(r.Context())
	switch {
	case err == nil:
		resp.TotalCapacity = &snap.TotalCapacity
		resp.AvailableCapacity = &snap.AvailableCapacity
	case errors.Is(err, ErrNotRegistered):
	default:
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req proto.RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TotalCapacity == 0 {
		s.jsonError(w, "total_capacity must be positive", http.StatusBadRequest)
		return
	}
	snap, err := s.svc.RegisterNode(r.Context(), req.TotalCapacity)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, proto.RegisterNodeResponse{
		NodeID:            snap.NodeID,
		TotalCapacity:     snap.TotalCapacity,
		AvailableCapacity: snap.AvailableCapacity,
	})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.svc.ListNodes(r.Context())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, proto.NodeListResponse{Nodes: nodes})
}

func (s *Server) handleCreateContent(w http.ResponseWriter, r *http.Request) {
	var req proto.CreateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		s.jsonError(w, "data must be base64 encoded", http.StatusBadRequest)
		return
	}
	resp, err := s.svc.CreateContent(r.Context(), data, req.RequiredCapacity, req.ReplicationTarget)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleListContents(w http.ResponseWriter, r *http.Request) {
	ids, err := s.svc.ListContents(r.Context())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, proto.ContentListResponse{ContentIDs: ids})
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.GetContentNetwork(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, info)
}

func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	var req proto.UpdateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		s.jsonError(w, "data must be base64 encoded", http.StatusBadRequest)
		return
	}
	resp, err := s.svc.UpdateContent(r.Context(), mux.Vars(r)["id"], data, req.Predecessor)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleContentData(w http.ResponseWriter, r *http.Request) {
	contentID := mux.Vars(r)["id"]
	data, versionID, err := s.svc.LatestData(r.Context(), contentID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, proto.ContentDataResponse{
		ContentID: contentID,
		VersionID: versionID,
		Data:      base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	contentID := mux.Vars(r)["id"]
	versions, err := s.svc.GetHistory(r.Context(), contentID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, proto.HistoryResponse{ContentID: contentID, Versions: versions})
}

func (s *Server) handleVersionData(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	contentID, versionID := vars["id"], vars["version"]
	data, err := s.svc.VersionData(r.Context(), contentID, versionID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, proto.ContentDataResponse{
		ContentID: contentID,
		VersionID: versionID,
		Data:      base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	avail, err := s.svc.AvailableCapacity(r.Context())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, proto.CapacityResponse{
		NodeID:            s.svc.NodeID(),
		AvailableCapacity: avail,
	})
}

func (s *Server) handleAssignable(w http.ResponseWriter, r *http.Request) {
	capStr := r.URL.Query().Get("capacity")
	capacity, err := strconv.ParseUint(capStr, 10, 64)
	if err != nil {
		s.jsonError(w, "capacity query parameter required", http.StatusBadRequest)
		return
	}
	ids, err := s.svc.AssignableCIDs(r.Context(), capacity)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, proto.AssignableResponse{ContentIDs: ids})
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:    listen,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", listen).Msg("http server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
