// Package httpapi implements the HTTP Surface (C10): unauthenticated
// pairing and health endpoints, plus bearer-authenticated credential and
// session-index endpoints.
//
// Grounded on the teacher's internal/relay/server.go NewServer (Go 1.22+
// http.ServeMux method+pattern routing registered in one place) and
// internal/relay/handler.go's writeJSON/writeError helpers, adapted
// verbatim in spirit from device-code auth responses to this spec's
// enrollment/credential responses.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sessiontap/sessiontap/internal/authsvc"
	"github.com/sessiontap/sessiontap/internal/broker"
	"github.com/sessiontap/sessiontap/internal/registry"
)

// Server wires the HTTP surface around the auth service, registry and
// broker. BaseURL is used to build enroll_url in the QR response.
type Server struct {
	Auth     *authsvc.Service
	Registry *registry.Registry
	Broker   *broker.Broker
	BaseURL  string
	RateLim  *RateLimiter

	mux *http.ServeMux
}

// New builds a Server and registers its routes.
func New(auth *authsvc.Service, reg *registry.Registry, brk *broker.Broker, baseURL string, rateLim *RateLimiter) *Server {
	s := &Server{Auth: auth, Registry: reg, Broker: brk, BaseURL: baseURL, RateLim: rateLim, mux: http.NewServeMux()}

	pairing := http.HandlerFunc(s.handleAuthQR)
	mobile := http.HandlerFunc(s.handleAuthMobile)
	if rateLim != nil {
		s.mux.Handle("POST /api/auth/qr", rateLim.Middleware(pairing))
		s.mux.Handle("POST /api/auth/mobile", rateLim.Middleware(mobile))
	} else {
		s.mux.Handle("POST /api/auth/qr", pairing)
		s.mux.Handle("POST /api/auth/mobile", mobile)
	}

	s.mux.HandleFunc("POST /api/auth/refresh", s.handleAuthRefresh)
	s.mux.HandleFunc("POST /api/auth/revoke", s.handleAuthRevoke)
	s.mux.HandleFunc("GET /api/auth/info", s.handleAuthInfo)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	return s
}

// ServeHTTP implements http.Handler, so a Server can be mounted directly
// on an http.Server or embedded inside a larger mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleAuthQR(w http.ResponseWriter, r *http.Request) {
	et, err := s.Auth.IssueEnrollment()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enrollment_failed", "could not issue enrollment token")
		return
	}

	enrollURL := s.BaseURL + "/api/auth/mobile?token=" + et.Token
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        et.Token,
		"expires_in_s": int(time.Until(et.ExpiresAt).Seconds()),
		"enroll_url":   enrollURL,
	})
}

func (s *Server) handleAuthMobile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
		return
	}
	if req.Token == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "token and device_id are required")
		return
	}

	cred, err := s.Auth.RedeemEnrollment(req.Token, req.DeviceID)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"key": cred.Key,
		"server_info": map[string]any{
			"device_id":  cred.DeviceID,
			"expires_at": cred.ExpiresAt.Format(time.RFC3339),
		},
	})
}

func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	key, ok := bearerKey(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_bearer", "bearer credential required")
		return
	}
	cred, err := s.Auth.Refresh(key)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":        cred.Key,
		"expires_at": cred.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleAuthRevoke(w http.ResponseWriter, r *http.Request) {
	key, ok := bearerKey(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_bearer", "bearer credential required")
		return
	}
	if err := s.Auth.Revoke(key); err != nil {
		if ae, ok := err.(*authsvc.Error); ok && ae.Kind == authsvc.ErrUnknown {
			writeError(w, http.StatusNotFound, "unknown", ae.Error())
			return
		}
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleAuthInfo(w http.ResponseWriter, r *http.Request) {
	key, ok := bearerKey(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_bearer", "bearer credential required")
		return
	}
	cred, err := s.Auth.Validate(key)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	resp := map[string]any{
		"cred_id":    cred.CredID,
		"device_id":  cred.DeviceID,
		"issued_at":  cred.IssuedAt.Format(time.RFC3339),
		"expires_at": cred.ExpiresAt.Format(time.RFC3339),
		"revoked":    cred.Revoked,
	}
	if cred.LastUsedAt != nil {
		resp["last_used_at"] = cred.LastUsedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	key, ok := bearerKey(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_bearer", "bearer credential required")
		return
	}
	if _, err := s.Auth.Validate(key); err != nil {
		writeAuthError(w, err)
		return
	}

	descs := s.Registry.List()
	active := 0
	out := make([]map[string]any, 0, len(descs))
	for _, d := range descs {
		if d.Status == registry.StatusActive {
			active++
		}
		out = append(out, map[string]any{
			"session_id":    d.SessionID,
			"project_label": d.ProjectLabel,
			"status":        d.Status,
			"first_seen":    d.FirstSeen.Format(time.RFC3339),
			"last_activity": d.LastActivity.Format(time.RFC3339),
			"record_count":  d.RecordCount,
			"parse_errors":  d.ParseErrors,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"total":    len(out),
		"active":   active,
	})
}

func bearerKey(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	key := strings.TrimPrefix(auth, "Bearer ")
	if key == "" {
		return "", false
	}
	return key, true
}

func writeAuthError(w http.ResponseWriter, err error) {
	ae, ok := err.(*authsvc.Error)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	switch ae.Kind {
	case authsvc.ErrAlreadyConsumed:
		writeError(w, http.StatusConflict, string(ae.Kind), ae.Error())
	case authsvc.ErrExpired:
		writeError(w, http.StatusGone, string(ae.Kind), ae.Error())
	case authsvc.ErrRevoked:
		writeError(w, http.StatusUnauthorized, string(ae.Kind), ae.Error())
	case authsvc.ErrUnknown:
		writeError(w, http.StatusUnauthorized, "unknown", ae.Error())
	default:
		writeError(w, http.StatusUnauthorized, "unauthorized", ae.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]string{"code": errCode, "error": msg})
}
