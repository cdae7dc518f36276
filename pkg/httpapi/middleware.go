package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

// requestIDs assigns an X-Request-ID, keeping a well-formed one sent by
// the client.
func requestIDs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// requestInfo is filled in by later middleware for the access log.
type requestInfo struct {
	userID int64
}

type requestInfoKey struct{}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			info := &requestInfo{}
			r = r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info))
			defer func() {
				if v := recover(); v != nil {
					logger.Error("handler panic", "request_id", r.Header.Get(RequestIDHeader), "panic", v)
					if rec.status == 0 {
						writeError(rec, http.StatusInternalServerError, "internal", "Something went wrong, please try again later.")
					}
				}
				attrs := []any{
					"request_id", r.Header.Get(RequestIDHeader),
					"method", r.Method,
					"path", r.URL.Path,
					"status", rec.status,
					"bytes", rec.bytes,
					"duration", time.Since(start),
				}
				if info.userID != 0 {
					attrs = append(attrs, "user_id", info.userID)
				}
				logger.Info("http request", attrs...)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// authenticate rejects requests without a valid bearer token.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := h.auth.Authenticate(r)
		if err != nil {
			level := slog.LevelDebug
			if !errors.Is(err, ErrMissingToken) {
				level = slog.LevelWarn
			}
			h.logger.Log(r.Context(), level, "authentication failed", "request_id", r.Header.Get(RequestIDHeader), "err", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="gopresence"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required.")
			return
		}
		if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
			info.userID = p.UserID
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}
