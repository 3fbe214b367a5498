package coord

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chunkvault/chunkvault/internal/auth"
	"github.com/chunkvault/chunkvault/internal/logging/audit"
	"github.com/chunkvault/chunkvault/internal/store"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserInfo is the public view of an account.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// TokenResponse answers a login or registration.
type TokenResponse struct {
	Token string   `json:"token"`
	User  UserInfo `json:"user"`
}

func userInfo(u *store.User) UserInfo {
	return UserInfo{ID: u.ID, Username: u.Username}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, u, err := s.auth.Login(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.audit.LogAuth("", "password", audit.Denied, req.Username, r.RemoteAddr)
		jsonError(w, "invalid username or password", http.StatusUnauthorized)
		return
	case err != nil:
		s.log.Error().Err(err).Msg("login failed")
		jsonError(w, "login failed", http.StatusInternalServerError)
		return
	}

	s.audit.LogAuth(u.ID, "password", audit.Allowed, "", r.RemoteAddr)
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, User: userInfo(u)})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, err := s.auth.Register(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrRegistrationDisabled):
		jsonError(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrWeakPassword):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, auth.ErrUsernameTaken):
		jsonError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.log.Error().Err(err).Msg("registration failed")
		jsonError(w, "registration failed", http.StatusInternalServerError)
		return
	}

	token, err := s.auth.GenerateToken(u)
	if err != nil {
		jsonError(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	s.audit.LogUserMgmt(u.ID, "register", u.ID, u.Username)
	writeJSON(w, http.StatusCreated, TokenResponse{Token: token, User: userInfo(u)})
}

func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Current string `json:"current_password"`
		New     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := userID(r)
	err := s.auth.UpdatePassword(r.Context(), id, req.Current, req.New)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.audit.LogAuth(id, "password", audit.Denied, "password change", r.RemoteAddr)
		jsonError(w, "current password is incorrect", http.StatusForbidden)
		return
	case errors.Is(err, auth.ErrWeakPassword):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error().Err(err).Msg("password change failed")
		jsonError(w, "password change failed", http.StatusInternalServerError)
		return
	}

	s.audit.LogUserMgmt(id, "change_password", id, "")
	w.WriteHeader(http.StatusNoContent)
}
