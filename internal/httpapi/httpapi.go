// Package httpapi exposes the boundary endpoints the core crosses: the JWKS
// publication read endpoint, the token endpoint and a health probe. It
// carries no authorization logic; the caller identity arrives
// pre-authenticated from the deployment front-end.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gravitational/trace"
	"github.com/hashicorp/go-hclog"

	"github.com/wardenhq/warden/internal/issuer"
	"github.com/wardenhq/warden/internal/token"
)

// IdentityHeader carries the caller identity set by the deployment's
// authenticating front-end.
const IdentityHeader = "X-Warden-Identity"

// Handler builds the HTTP routes.
type Handler struct {
	issuer   *issuer.Issuer
	provider *token.Provider
	log      hclog.Logger
}

// NewHandler wires the routes.
func NewHandler(iss *issuer.Issuer, provider *token.Provider, log hclog.Logger) *Handler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Handler{issuer: iss, provider: provider, log: log.Named("http")}
}

// Router returns the chi router serving the boundary endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.handleHealth)
	r.Get("/.well-known/jwks.json", h.handleJWKS)
	r.Post("/v1/token", h.handleToken)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.JWKS())
}

type tokenRequest struct {
	Resource string `json:"resource"`
	Scope    string `json:"scope,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	callerIdentity := r.Header.Get(IdentityHeader)
	if callerIdentity == "" {
		h.writeError(w, r, trace.AccessDenied("missing %s header", IdentityHeader))
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, trace.BadParameter("invalid request body: %v", err))
		return
	}
	minted, err := h.issuer.IssueToken(r.Context(), callerIdentity, req.Resource, req.Scope)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: minted.Token, ExpiresAt: minted.ExpiresAt})
}

// writeError maps the error taxonomy onto HTTP statuses. Unexpected errors
// are logged with the request id and returned opaque.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	switch {
	case trace.IsBadParameter(err):
		status = http.StatusBadRequest
	case trace.IsNotFound(err):
		status = http.StatusNotFound
	case trace.IsAccessDenied(err):
		status = http.StatusForbidden
	case trace.IsLimitExceeded(err):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		message = "request deadline exceeded"
	case errors.Is(err, context.Canceled):
		// Client went away; the status is cosmetic.
		status = http.StatusServiceUnavailable
		message = "request cancelled"
	default:
		requestID := middleware.GetReqID(r.Context())
		h.log.Error("request failed", "request_id", requestID, "error", err)
		message = "internal error, correlation id " + requestID
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
