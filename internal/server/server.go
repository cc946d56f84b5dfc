// Package server exposes the tile endpoint over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/geoberg/vectile/internal/store"
	"github.com/geoberg/vectile/internal/tile"
)

const tileContentType = "application/vnd.mapbox-vector-tile"

// Deps are the collaborators behind the HTTP surface. Metrics may be nil.
type Deps struct {
	Encoder *tile.Encoder
	Metrics http.Handler
}

type Server struct {
	addr string
	deps Deps
	log  zerolog.Logger
}

func New(addr string, deps Deps, log zerolog.Logger) *Server {
	return &Server{
		addr: addr,
		deps: deps,
		log:  log.With().Str("component", "server").Logger(),
	}
}

// Handler builds the route tree. Exposed separately so tests can drive it
// through httptest without a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(s.log))
	r.Use(logging(s.log))
	r.Use(cors())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.Get("/tiles/{schema}/{z}/{x}/{y}.pbf", s.handleTile)

	return r
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	schema := chi.URLParam(r, "schema")
	z, errZ := parseCoord(chi.URLParam(r, "z"))
	x, errX := parseCoord(chi.URLParam(r, "x"))
	y, errY := parseCoord(chi.URLParam(r, "y"))
	if schema == "" || errZ != nil || errX != nil || errY != nil {
		http.Error(w, "bad tile address", http.StatusBadRequest)
		return
	}

	data, err := s.deps.Encoder.Tile(r.Context(), schema, z, x, y)
	switch {
	case err == nil:
	case errors.Is(err, tile.ErrInvalidCoordinate):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	default:
		var dbe *store.DatabaseError
		if errors.As(err, &dbe) {
			s.log.Error().Err(err).Msg("store unavailable")
			http.Error(w, "upstream store unavailable", http.StatusBadGateway)
			return
		}
		s.log.Error().Err(err).Msg("tile encode failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", tileContentType)
	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseCoord(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("http listen")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
