// Package server exposes the relay's HTTP surface: the Messages API
// endpoints, the model catalog, and the health and metrics probes.
package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/howard-nolan/cloudrelay/internal/account"
	"github.com/howard-nolan/cloudrelay/internal/anthropic"
	"github.com/howard-nolan/cloudrelay/internal/cloudcode"
	"github.com/howard-nolan/cloudrelay/internal/config"
	"github.com/howard-nolan/cloudrelay/internal/metrics"
)

// Server holds the router and everything the handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config
	engine *cloudcode.Engine
	pool   *account.Pool
	met    *metrics.Metrics
	log    zerolog.Logger
}

// New wires routes and middleware and returns a Server ready to use as an
// http.Handler.
func New(cfg *config.Config, engine *cloudcode.Engine, pool *account.Pool, met *metrics.Metrics, log zerolog.Logger) *Server {
	s := &Server{cfg: cfg, engine: engine, pool: pool, met: met, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.met.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/messages", s.handleMessages)
		r.Post("/messages/count_tokens", s.handleCountTokens)
		r.Get("/models", s.handleModels)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLog writes one line per request with status and duration.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// requireAuth enforces the shared client token. SDKs send it as either an
// x-api-key header or a bearer Authorization; both are accepted. An empty
// configured token disables client auth, the default for localhost use.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.Server.Token
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("x-api-key")
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, anthropic.ErrAuthentication,
				"invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
