package realtime

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"mobide/internal/session"
	"mobide/internal/workspace"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 10 << 20

type fileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Type      string `json:"type"`
}

type renameRequest struct {
	SessionID string `json:"sessionId"`
	OldPath   string `json:"oldPath"`
	NewPath   string `json:"newPath"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFileError maps workspace errors onto HTTP statuses.
func writeFileError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, workspace.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	}
	writeError(w, status, err.Error())
}

// decodeBody reads a JSON body into v, answering the request itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.registry.Create(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("create session")
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.Stop(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID, dir := q.Get("sessionId"), q.Get("path")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId required")
		return
	}

	entries, err := s.files.List(sessionID, dir, q.Get("search"))
	if err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": dir, "entries": entries})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID, name := q.Get("sessionId"), q.Get("path")
	if sessionID == "" || name == "" {
		writeError(w, http.StatusBadRequest, "sessionId and path required")
		return
	}

	content, err := s.files.Read(sessionID, name)
	if err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (s *Server) handleFileTree(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID, dir := q.Get("sessionId"), q.Get("path")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId required")
		return
	}

	depth := workspace.DefaultTreeDepth
	if v := q.Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid depth")
			return
		}
		depth = n
	}

	tree, err := s.files.Tree(sessionID, dir, depth)
	if err != nil {
		writeFileError(w, err)
		return
	}
	if tree == nil {
		tree = []workspace.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": dir, "tree": tree})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "sessionId and path required")
		return
	}

	if err := s.files.Write(req.SessionID, req.Path, req.Content); err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "sessionId and path required")
		return
	}

	kind := workspace.TypeFile
	if req.Type == string(workspace.TypeDir) {
		kind = workspace.TypeDir
	}
	if err := s.files.Create(req.SessionID, req.Path, kind); err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "sessionId and path required")
		return
	}

	if err := s.files.Delete(req.SessionID, req.Path); err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleRenameEntry(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.OldPath == "" || req.NewPath == "" {
		writeError(w, http.StatusBadRequest, "sessionId, oldPath, newPath required")
		return
	}

	if err := s.files.Rename(req.SessionID, req.OldPath, req.NewPath); err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
