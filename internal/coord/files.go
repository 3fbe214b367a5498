package coord

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/chunkvault/chunkvault/internal/files"
)

// wildcardPath is the absolute path captured by a trailing /* route.
func wildcardPath(r *http.Request) string {
	p := chi.URLParam(r, "*")
	// chi routes on the escaped path when the request has one
	if r.URL.RawPath != "" {
		if dec, err := url.PathUnescape(p); err == nil {
			p = dec
		}
	}
	return "/" + strings.Trim(p, "/")
}

// splitFile splits an absolute file path into its folder and name.
func splitFile(p string) (dir, name string, ok bool) {
	if !strings.HasPrefix(p, "/") {
		return "", "", false
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "", "", false
	}
	dir, name = path.Dir(p), path.Base(p)
	if name == "." || name == ".." {
		return "", "", false
	}
	return dir, name, true
}

// fileError maps a file service error onto a response.
func (s *Server) fileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, files.ErrInvalidPath):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, files.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, files.ErrPermissionDenied):
		jsonError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, files.ErrExists):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, files.ErrLocked):
		jsonError(w, err.Error(), http.StatusLocked)
	default:
		s.log.Error().Err(err).Msg("file operation failed")
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	listing, err := s.files.List(r.Context(), userID(r), wildcardPath(r))
	if err != nil {
		s.fileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := s.files.CreateFolder(r.Context(), userID(r), req.Path)
	if err != nil {
		s.fileError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "path": path.Clean(req.Path)})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	dir, name, ok := splitFile(wildcardPath(r))
	if !ok {
		jsonError(w, "file path required", http.StatusBadRequest)
		return
	}
	if err := s.files.DeleteFile(r.Context(), userID(r), dir, name); err != nil {
		s.fileError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type renameRequest struct {
	Path    string `json:"path"`
	NewPath string `json:"new_path"`
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	dir, name, ok := splitFile(req.Path)
	newDir, newName, ok2 := splitFile(req.NewPath)
	if !ok || !ok2 {
		jsonError(w, "path and new_path must name files", http.StatusBadRequest)
		return
	}
	f, err := s.files.RenameFile(r.Context(), userID(r), dir, name, newDir, newName)
	if err != nil {
		s.fileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	if err := s.files.DeleteFolder(r.Context(), userID(r), wildcardPath(r)); err != nil {
		s.fileError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.files.RenameFolder(r.Context(), userID(r), req.Path, req.NewPath); err != nil {
		s.fileError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
