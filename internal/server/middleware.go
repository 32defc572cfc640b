package server

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	requestIDHeader  = "X-Request-ID"
	adminTokenHeader = "X-Admin-Token"
	signatureHeader  = "X-Signature"
)

type ctxKey int

const requestIDKey ctxKey = iota

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// observe logs every request and counts it per route template.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.deps.Metrics.Request(route, rec.code)
		if route == "/api/status/{id}" || route == "/metrics" || route == "/healthz" {
			return
		}
		s.logger.Infow("request",
			"method", r.Method,
			"route", route,
			"code", rec.code,
			"duration", time.Since(start).String(),
			"request_id", requestIDFrom(r.Context()),
		)
	})
}

// isLocal reports whether the peer connected over loopback.
func isLocal(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// admin gates settings-changing routes: loopback peers pass, remote peers
// need allow_remote_admin plus a matching token.
func (s *Server) admin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLocal(r) {
			next.ServeHTTP(w, r)
			return
		}
		settings := s.deps.Settings.Get()
		if !settings.API.AllowRemoteAdmin {
			writeError(w, http.StatusForbidden, "remote administration is disabled")
			return
		}
		got := r.Header.Get(adminTokenHeader)
		if got == "" || !s.tokenMatches(got, settings.API.AdminToken) {
			writeError(w, http.StatusForbidden, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenMatches(got, stored string) bool {
	for _, want := range []string{stored, s.cfg.AdminToken} {
		if want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return true
		}
	}
	return false
}
