// Package httpapi exposes the QR presence operations over HTTP.
//
// Routes live under /api/v1 and require an HS256 bearer token whose
// subject is the numeric user id and whose role claim selects the
// permissions checked by package rbac.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/NicolasHaas/gopresence/pkg/model"
	"github.com/NicolasHaas/gopresence/pkg/presence"
	"github.com/NicolasHaas/gopresence/pkg/rbac"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "1"

// Service is the subset of *presence.Manager the handlers call.
type Service interface {
	Generate(ctx context.Context, issuerID int64, sessionType model.SessionType, metadata map[string]string) (*presence.Issued, error)
	ValidateAndConsume(ctx context.Context, token string, scanningUserID int64) (*presence.Result, error)
	RevokeAll(ctx context.Context, issuerID *int64) (int64, error)
	Sessions(ctx context.Context, filters model.SessionFilters) ([]model.QRSession, error)
	Session(ctx context.Context, id int64) (*model.QRSession, error)
}

var _ Service = (*presence.Manager)(nil)

// Options configure NewHandler.
type Options struct {
	Service Service
	Auth    *Authenticator
	Logger  *slog.Logger

	// Metrics, if set, is served at GET /metrics without authentication.
	Metrics http.Handler
}

// Handler serves the HTTP API.
type Handler struct {
	svc    Service
	auth   *Authenticator
	logger *slog.Logger
	router *mux.Router
}

// NewHandler builds the router.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Service == nil {
		return nil, errors.New("httpapi: service is required")
	}
	if opts.Auth == nil {
		return nil, errors.New("httpapi: authenticator is required")
	}
	h := &Handler{svc: opts.Service, auth: opts.Auth, logger: opts.Logger}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	r := mux.NewRouter()
	r.Use(requestIDs, accessLog(h.logger))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(h.authenticate)
	api.HandleFunc("/qr/sessions", h.require(model.PermGenerateQR, h.handleGenerate)).Methods(http.MethodPost)
	api.HandleFunc("/qr/sessions", h.require(model.PermViewSessions, h.handleListSessions)).Methods(http.MethodGet)
	api.HandleFunc("/qr/sessions/{id:[0-9]+}", h.require(model.PermViewSessions, h.handleGetSession)).Methods(http.MethodGet)
	api.HandleFunc("/qr/validate", h.require(model.PermScanQR, h.handleValidate)).Methods(http.MethodPost)
	api.HandleFunc("/qr/revoke", h.require(model.PermRevokeQR, h.handleRevoke)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "Not found.")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.")
	})

	h.router = r
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// require wraps next with a permission check against the caller's role.
func (h *Handler) require(perm model.Permission, next func(http.ResponseWriter, *http.Request, Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required.")
			return
		}
		if msg := rbac.RequirePermission(p.Role, perm); msg != "" {
			h.logger.Info("permission denied", "user_id", p.UserID, "role", p.Role, "permission", rbac.PermName(perm))
			writeError(w, http.StatusForbidden, "forbidden", msg)
			return
		}
		next(w, r, p)
	}
}

// ---- Handlers ----

type generateRequest struct {
	Type     model.SessionType `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type generateResponse struct {
	Token     string            `json:"token"`
	ExpiresAt string            `json:"expires_at"`
	SessionID int64             `json:"session_id"`
	Type      model.SessionType `json:"type"`
	TTL       int64             `json:"ttl"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request, p Principal) {
	var req generateRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed request body.")
		return
	}
	if req.Type != "" && !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "type must be check_in or check_out.")
		return
	}

	issued, err := h.svc.Generate(r.Context(), p.UserID, req.Type, req.Metadata)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, generateResponse{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt.UTC().Format(time.RFC3339),
		SessionID: issued.SessionID,
		Type:      issued.Type,
		TTL:       int64(issued.TTL / time.Second),
	})
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Success    bool              `json:"success"`
	Type       model.SessionType `json:"type"`
	SessionID  int64             `json:"session_id"`
	Attendance *model.Attendance `json:"attendance"`
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request, p Principal) {
	var req validateRequest
	if err := decodeJSON(w, r, &req, false); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "A token is required.")
		return
	}

	res, err := h.svc.ValidateAndConsume(r.Context(), req.Token, p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{
		Success:    true,
		Type:       res.Type,
		SessionID:  res.SessionID,
		Attendance: res.Attendance,
	})
}

type revokeRequest struct {
	IssuerID *int64 `json:"issuer_id,omitempty"`
}

type revokeResponse struct {
	Revoked int64 `json:"revoked"`
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request, p Principal) {
	var req revokeRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed request body.")
		return
	}

	n, err := h.svc.RevokeAll(r.Context(), req.IssuerID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("revoke requested", "user_id", p.UserID, "revoked", n)
	writeJSON(w, http.StatusOK, revokeResponse{Revoked: n})
}

type sessionsResponse struct {
	Sessions []model.QRSession `json:"sessions"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request, _ Principal) {
	filters, err := parseFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sessions, err := h.svc.Sessions(r.Context(), filters)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.QRSession{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request, _ Principal) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid session id.")
		return
	}
	session, err := h.svc.Session(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// maxListLimit caps the page size of GET /qr/sessions.
const maxListLimit = 500

func parseFilters(r *http.Request) (model.SessionFilters, error) {
	var f model.SessionFilters
	q := r.URL.Query()

	if v := q.Get("status"); v != "" {
		status, err := model.ParseSessionStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = &status
	}
	if v := q.Get("type"); v != "" {
		t, err := model.ParseSessionType(v)
		if err != nil {
			return f, err
		}
		f.Type = &t
	}
	if v := q.Get("issuer"); v != "" {
		issuer, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, errors.New("issuer must be a user id")
		}
		f.GeneratedBy = &issuer
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New(name + " must be a non-negative integer")
		}
		*dst = n
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return f, nil
}

// writeServiceError maps manager errors to responses. Causes are logged,
// never returned.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := r.Header.Get(RequestIDHeader)

	switch {
	case errors.Is(err, presence.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request.")
		return
	case errors.Is(err, presence.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Session not found.")
		return
	}

	var perr *presence.Error
	if !errors.As(err, &perr) {
		h.logger.Error("unexpected service error", "request_id", requestID, "err", err)
		perr = presence.ErrInternal
	}

	status := http.StatusUnprocessableEntity
	switch perr.Kind {
	case presence.KindRetryable:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", retryAfterSeconds)
	case presence.KindInternal:
		status = http.StatusInternalServerError
	}
	h.logger.Debug("request rejected", "request_id", requestID, "kind", perr.Kind, "err", err)
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Kind:        string(perr.Kind),
		Message:     perr.Message,
		CheckedInAt: perr.CheckedInAt,
	}})
}
