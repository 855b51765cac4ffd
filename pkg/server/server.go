// Package server is the thin boundary adapter from SPEC_FULL.md §4.8:
// it terminates WebSocket connections, parses wire frames, resolves
// authorization and room lookup, and translates internal errkind
// values into the socket-close / reset-frame policy from spec §7. It
// holds no document state of its own — every document lives inside an
// internal/room.Room.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/ghost-hands/collabdocs/internal/authz"
	"github.com/ghost-hands/collabdocs/internal/changelog"
	"github.com/ghost-hands/collabdocs/internal/errkind"
	"github.com/ghost-hands/collabdocs/internal/metadata"
	"github.com/ghost-hands/collabdocs/internal/room"
	"github.com/ghost-hands/collabdocs/internal/version"
	"github.com/ghost-hands/collabdocs/pkg/logger"
)

// Config bounds the runtime parameters of the adapter, per
// SPEC_FULL.md §6.1's configuration surface.
type Config struct {
	MaxDocumentSize  int
	WSReadTimeout    time.Duration
	WSWriteTimeout   time.Duration
	BroadcastBufSize int
}

// DefaultConfig matches the teacher's original defaults, widened for
// the richer wire protocol.
func DefaultConfig() Config {
	return Config{
		MaxDocumentSize:  10 * 1024 * 1024,
		WSReadTimeout:    30 * time.Second,
		WSWriteTimeout:   10 * time.Second,
		BroadcastBufSize: 32,
	}
}

// Stats is the payload served at /api/stats.
type Stats struct {
	StartTime    int64 `json:"startTime"`
	ActiveRooms  int   `json:"activeRooms"`
	DatabaseSize int   `json:"databaseSize"`
}

// Server is the main HTTP server: one ServeMux dispatching WebSocket
// and REST-ish endpoints onto the shared collaborators.
type Server struct {
	cfg       Config
	startTime time.Time

	manager  *room.Manager
	versions *version.Controller
	cl       *changelog.Store
	authz    authz.Authorizer
	metadata metadata.Store

	mux *http.ServeMux
}

// New wires a Server to its collaborators. authorizer and metadataSt
// may be authz.AllowAll{} / metadata.NoopStore{} when no external
// service is configured.
func New(cfg Config, manager *room.Manager, versions *version.Controller, cl *changelog.Store, authorizer authz.Authorizer, metadataSt metadata.Store) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		manager:   manager,
		versions:  versions,
		cl:        cl,
		authz:     authorizer,
		metadata:  metadataSt,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("/api/socket/", s.handleSocket)
	s.mux.HandleFunc("/api/documents/", s.handleDocumentAPI)
	s.mux.HandleFunc("/api/stats", s.handleStats)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleSocket upgrades to a WebSocket and hands the connection to a
// Connection bound to documentId's room. Route: /api/socket/{docId}.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimPrefix(r.URL.Path, "/api/socket/")
	if docID == "" {
		http.Error(w, "document ID required", http.StatusBadRequest)
		return
	}

	userID := r.URL.Query().Get("userId")
	userName := r.URL.Query().Get("userName")
	if userID == "" {
		http.Error(w, "userId query parameter required", http.StatusBadRequest)
		return
	}
	if userName == "" {
		userName = userID
	}

	ctx := r.Context()
	allowed, err := authz.CheckMember(ctx, s.authz, docID, userID)
	if err != nil {
		logger.Error("authorization check failed for document %s, user %s: %v", docID, userID, err)
		http.Error(w, "authorization check failed", http.StatusBadGateway)
		return
	}
	if !allowed {
		http.Error(w, "not a member of this document", http.StatusForbidden)
		return
	}

	r0, err := s.manager.GetOrCreate(ctx, docID, func(ctx context.Context) (string, error) {
		return s.rehydrate(ctx, docID, userID)
	})
	if err != nil {
		logger.Error("failed to open document room %s: %v", docID, err)
		http.Error(w, "failed to open document", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Error("websocket upgrade failed for document %s: %v", docID, err)
		return
	}

	connHandler := NewConnection(docID, userID, userName, r0, conn, s.cfg)
	if err := connHandler.Handle(ctx); err != nil {
		logger.Debug("connection closed for document %s, user %s: %v", docID, userID, err)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// rehydrate loads the latest persisted version's content for docID,
// creating version 0 (empty document) the first time it is opened.
func (s *Server) rehydrate(ctx context.Context, docID, userID string) (string, error) {
	history, err := s.versions.GetHistory(ctx, docID)
	if err != nil {
		return "", err
	}
	if len(history) > 0 {
		return history[0].Content, nil // GetHistory orders newest first
	}
	v, err := s.versions.CreateInitialVersion(ctx, docID, "", userID)
	if err != nil {
		return "", err
	}
	return v.Content, nil
}

// handleDocumentAPI serves the version/diff/contribution surface from
// spec §4.4/§4.5. Routes:
//
//	GET  /api/documents/{id}/history
//	POST /api/documents/{id}/versions
//	POST /api/documents/{id}/revert/{versionNumber}
//	GET  /api/documents/{id}/diff?from={n}&to={n}
//	GET  /api/documents/{id}/contributions
func (s *Server) handleDocumentAPI(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	docID, action := parts[0], parts[1]
	ctx := r.Context()

	switch action {
	case "history":
		history, err := s.versions.GetHistory(ctx, docID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, history)

	case "versions":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			AuthorID    string `json:"authorId"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		snap, err := s.currentText(ctx, docID)
		if err != nil {
			writeError(w, err)
			return
		}
		v, err := s.versions.CreateVersion(ctx, docID, snap, body.AuthorID, body.Description)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, v)

	case "revert":
		if len(parts) < 3 {
			http.Error(w, "version number required", http.StatusBadRequest)
			return
		}
		versionNumber, err := strconv.Atoi(parts[2])
		if err != nil {
			http.Error(w, "invalid version number", http.StatusBadRequest)
			return
		}
		userID := r.URL.Query().Get("userId")
		v, err := s.versions.RevertToVersion(ctx, docID, versionNumber, userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, v)

	case "diff":
		toVersion, err := strconv.Atoi(r.URL.Query().Get("to"))
		if err != nil {
			http.Error(w, "invalid 'to' query parameter", http.StatusBadRequest)
			return
		}
		var fromVersion *int
		if raw := r.URL.Query().Get("from"); raw != "" {
			from, err := strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "invalid 'from' query parameter", http.StatusBadRequest)
				return
			}
			fromVersion = &from
		}
		diff, err := s.versions.GetDiff(ctx, docID, fromVersion, toVersion)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, diff)

	case "contributions":
		contribs, err := s.versions.GetUserContributions(ctx, docID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, contribs)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// currentText prefers the live room's text, falling back to the
// latest persisted version when the room isn't open.
func (s *Server) currentText(ctx context.Context, docID string) (string, error) {
	if r, ok := s.manager.Get(docID); ok {
		snap, err := r.Snapshot()
		if err == nil {
			return snap.Text, nil
		}
	}
	history, err := s.versions.GetHistory(ctx, docID)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", nil
	}
	return history[0].Content, nil
}

// handleStats returns server statistics. Route: /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	dbSize := 0
	// DatabaseSize intentionally left at 0 when no document inventory
	// collaborator is wired; a richer metadata store could fill this in.

	writeJSON(w, Stats{
		StartTime:    s.startTime.Unix(),
		ActiveRooms:  s.manager.Count(),
		DatabaseSize: dbSize,
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	logger.Info("server listening on %s", addr)
	return http.ListenAndServe(addr, s)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an errkind-tagged error to the HTTP status from
// spec §7's propagation policy and writes it as the response body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		status = http.StatusNotFound
	case errors.Is(err, errkind.Validation):
		status = http.StatusBadRequest
	case errors.Is(err, errkind.Authorization):
		status = http.StatusForbidden
	case errors.Is(err, errkind.Conflict):
		status = http.StatusConflict
	case errors.Is(err, errkind.Stale):
		status = http.StatusConflict
	case errors.Is(err, errkind.Transient):
		status = http.StatusServiceUnavailable
	}
	logger.Error("document API error: %v", err)
	http.Error(w, err.Error(), status)
}
