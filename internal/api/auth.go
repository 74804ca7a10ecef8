package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"approval-gate/internal/models"
)

type principalKey struct{}

// authenticate maps X-Service-Token to the service principal and X-User-ID to
// a user principal. Identity is assumed to be verified upstream.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p models.Principal
		switch tok := r.Header.Get("X-Service-Token"); {
		case tok != "":
			if s.token == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(s.token)) != 1 {
				writeMessage(w, http.StatusUnauthorized, "invalid service token")
				return
			}
			p = models.ServicePrincipal("api")
		case r.Header.Get("X-User-ID") != "":
			p = models.UserPrincipal(r.Header.Get("X-User-ID"))
		default:
			writeMessage(w, http.StatusUnauthorized, "missing X-User-ID")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func (s *Server) requireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r.Context()).IsService() {
			writeMessage(w, http.StatusForbidden, "service token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFrom(ctx context.Context) models.Principal {
	p, _ := ctx.Value(principalKey{}).(models.Principal)
	return p
}

// targetUser is the user a request acts on. A user principal defaults to
// itself; naming someone else is left to the store to refuse.
func targetUser(p models.Principal, requested string) string {
	if requested != "" || p.IsService() {
		return requested
	}
	return p.UserID
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
