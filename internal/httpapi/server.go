// internal/httpapi/server.go

// Package httpapi exposes the coordinator over HTTP: session CRUD, run
// starts, transcript reads, tool approvals, and the raw stream endpoints the
// editor bridge client speaks.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/cadpilot/internal/coordinator"
	"github.com/user/cadpilot/internal/eventlog"
	"github.com/user/cadpilot/internal/transcript"
	"github.com/user/cadpilot/internal/types"
	"github.com/user/cadpilot/pkg/llm"
)

// Server is the HTTP surface of the serve daemon.
type Server struct {
	coordinator *coordinator.Coordinator
	sessions    types.SessionStore
	log         eventlog.Log
	mux         *http.ServeMux
}

// NewServer wires the HTTP handlers. gatherer backs /metrics; pass
// prometheus.DefaultGatherer in the daemon.
func NewServer(c *coordinator.Coordinator, sessions types.SessionStore, log eventlog.Log, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		coordinator: c,
		sessions:    sessions,
		log:         log,
		mux:         http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /sessions/", s.handleSessionPost)
	s.mux.HandleFunc("GET /sessions/", s.handleSessionGet)
	s.mux.HandleFunc("PUT /streams/", s.handleStreamCreate)
	s.mux.HandleFunc("POST /streams/", s.handleStreamAppend)
	s.mux.HandleFunc("GET /streams/", s.handleStreamRead)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// createSessionRequest is the JSON body for POST /sessions.
type createSessionRequest struct {
	Context string `json:"context"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	sessionContext := types.Context(req.Context)
	if sessionContext == "" {
		sessionContext = types.ContextDashboard
	}
	if sessionContext != types.ContextDashboard && sessionContext != types.ContextEditor {
		http.Error(w, `{"error":"context must be dashboard or editor"}`, http.StatusBadRequest)
		return
	}

	session, err := s.sessions.Create(r.Context(), sessionContext)
	if err != nil {
		slog.Error("create session failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []*types.SessionIndex{}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

// handleSessionPost routes POST /sessions/{id}/runs and
// POST /sessions/{id}/messages/{messageID}/approval.
func (s *Server) handleSessionPost(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 2 && parts[1] == "runs":
		s.handleStartRun(w, r, types.SessionID(parts[0]))
	case len(parts) == 4 && parts[1] == "messages" && parts[3] == "approval":
		s.handleApproval(w, r, types.SessionID(parts[0]), types.MessageID(parts[2]))
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

// handleSessionGet routes GET /sessions/{id}/transcript.
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "transcript" {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	s.handleTranscript(w, r, types.SessionID(parts[0]))
}

// startRunRequest is the JSON body for POST /sessions/{id}/runs.
type startRunRequest struct {
	Text  string `json:"text"`
	RunID string `json:"run_id,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request, sessionID types.SessionID) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	var opts []coordinator.StartOption
	if req.RunID != "" {
		opts = append(opts, coordinator.WithRunID(types.RunID(req.RunID)))
	}

	result, err := s.coordinator.StartRun(r.Context(), sessionID, req.Text, opts...)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"run_id":               string(result.RunID),
		"user_message_id":      string(result.UserMessageID),
		"assistant_message_id": string(result.AssistantMessageID),
	})
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var conflict *coordinator.ConflictError
	if errors.As(err, &conflict) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":         "another run is active",
			"active_run_id": string(conflict.ActiveRunID),
		})
		return
	}
	if coordinator.IsValidation(err) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if errors.Is(err, llm.ErrAbort) {
		w.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	slog.Error("run failed", "error", err)
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request, sessionID types.SessionID) {
	view := eventlog.NewView(s.log, sessionID)
	if err := view.Refresh(r.Context()); err != nil {
		slog.Error("read transcript failed", "session", sessionID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	cols := view.Collections()
	messages := transcript.Hydrate(cols.Messages, cols.Chunks)
	if messages == nil {
		messages = []*types.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

// approvalRequest is the JSON body for the approval endpoint.
type approvalRequest struct {
	Approve bool `json:"approve"`
}

// handleApproval resolves a pending tool call: approve moves it to running
// so the gated executor proceeds; deny moves it to error so the tool reports
// a denial to the model.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request, sessionID types.SessionID, messageID types.MessageID) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	view := eventlog.NewView(s.log, sessionID)
	if err := view.Refresh(r.Context()); err != nil {
		slog.Error("read stream failed", "session", sessionID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	msg, ok := view.Collections().Message(messageID)
	if !ok {
		http.Error(w, `{"error":"message not found"}`, http.StatusNotFound)
		return
	}
	if msg.Role != types.RoleToolCall || msg.Status != types.MessagePending {
		http.Error(w, `{"error":"message is not awaiting approval"}`, http.StatusConflict)
		return
	}

	updated := *msg
	updated.UpdatedAt = time.Now().UTC()
	if req.Approve {
		updated.Status = types.MessageRunning
	} else {
		updated.Status = types.MessageError
	}
	if err := view.Append(r.Context(), eventlog.NewMessageUpdate(&updated, msg)); err != nil {
		if errors.Is(err, eventlog.ErrStaleUpdate) {
			http.Error(w, `{"error":"approval conflicted with a concurrent update"}`, http.StatusConflict)
			return
		}
		slog.Error("approval update failed", "session", sessionID, "message", messageID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": string(updated.Status)})
}

// Stream endpoints mirror the remote-log client wire format, so an editor
// (or a second daemon using the HTTP log backend) reads and writes the same
// streams the coordinator does.

func (s *Server) handleStreamCreate(w http.ResponseWriter, r *http.Request) {
	stream := types.SessionID(strings.TrimPrefix(r.URL.Path, "/streams/"))
	if stream == "" || strings.Contains(string(stream), "/") {
		http.Error(w, `{"error":"stream id required"}`, http.StatusBadRequest)
		return
	}
	if err := s.log.Create(r.Context(), stream); err != nil {
		slog.Error("create stream failed", "stream", stream, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStreamAppend(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/streams/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "events" {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	stream := types.SessionID(parts[0])

	var ev eventlog.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := s.log.Append(r.Context(), stream, &ev); err != nil {
		slog.Error("append event failed", "stream", stream, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"seq": ev.Seq})
}

func (s *Server) handleStreamRead(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/streams/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "events" {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	stream := types.SessionID(parts[0])

	var from int64
	if q := r.URL.Query().Get("from"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"from must be a non-negative integer"}`, http.StatusBadRequest)
			return
		}
		from = n
	}

	events, err := s.log.Read(r.Context(), stream, from)
	if err != nil {
		slog.Error("read events failed", "stream", stream, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*eventlog.Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"events": events})
}
