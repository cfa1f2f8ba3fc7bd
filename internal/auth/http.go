package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/postalsys/metroo-hub/internal/logging"
)

// TokenResponse is returned by both token endpoints.
type TokenResponse struct {
	AgentID   string    `json:"agentId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type issueRequest struct {
	AgentID string `json:"agentId"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Handler serves the token endpoints:
//
//	POST /api/tokens         issue a token (admin Basic auth)
//	POST /api/tokens/rotate  exchange a current or recently expired token (Bearer)
type Handler struct {
	auth   *Authenticator
	admin  AdminCredentials
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler creates the token HTTP handler.
func NewHandler(a *Authenticator, admin AdminCredentials, logger *slog.Logger) *Handler {
	h := &Handler{
		auth:   a,
		admin:  admin,
		logger: logging.Component(logger, "auth"),
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("/api/tokens", h.handleIssue)
	h.mux.HandleFunc("/api/tokens/rotate", h.handleRotate)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.admin.Enabled() {
		http.Error(w, "Token issuing disabled", http.StatusForbidden)
		return
	}

	user, password, ok := r.BasicAuth()
	if !ok || !h.admin.Valid(user, password) {
		w.Header().Set("WWW-Authenticate", `Basic realm="metroo-hub"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req issueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.AgentID == "" {
		http.Error(w, "agentId is required", http.StatusBadRequest)
		return
	}

	token, expires, err := h.auth.Issue(req.AgentID)
	if err != nil {
		h.logger.Error("failed to issue token", logging.KeyAgentID, req.AgentID, logging.KeyError, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("token issued", logging.KeyAgentID, req.AgentID)
	writeJSON(w, http.StatusOK, TokenResponse{AgentID: req.AgentID, Token: token, ExpiresAt: expires})
}

func (h *Handler) handleRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: Code(ErrInvalidToken), Error: "bearer token required"})
		return
	}

	agentID, fresh, expires, err := h.auth.Rotate(token)
	if err != nil {
		h.logger.Warn("token rotation rejected", logging.KeyError, err)
		msg := "invalid token"
		if errors.Is(err, ErrRotationWindowClosed) {
			msg = err.Error()
		}
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: Code(ErrInvalidToken), Error: msg})
		return
	}

	h.logger.Info("token rotated", logging.KeyAgentID, agentID)
	writeJSON(w, http.StatusOK, TokenResponse{AgentID: agentID, Token: fresh, ExpiresAt: expires})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
