package patchview

import (
	_ "embed"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed assets/index.html
var viewerHTML []byte

// A Server is the HTTP request layer over a catalog, render cache and
// location index. It serializes the core's results; all domain logic lives
// below it.
type Server struct {
	catalog *Catalog
	cache   *RenderCache
	index   *LocationIndex
	logger  *zap.Logger
	router  chi.Router
}

// NewServer returns a new Server.
func NewServer(catalog *Catalog, cache *RenderCache, index *LocationIndex, logger *zap.Logger) *Server {
	s := &Server{
		catalog: catalog,
		cache:   cache,
		index:   index,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Get("/", s.handleViewer)
	r.Get("/api/samples", s.handleSamples)
	r.Get("/api/sample/{sampleID}", s.handleSampleInfo)
	r.Get("/api/tile/{sampleID}/{timestamp}", s.handleTile)
	r.Get("/api/nearest", s.handleNearest)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			zap.String("id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(viewerHTML)
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	ids, err := s.catalog.PatchIDs()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"samples": ids,
		"count":   len(ids),
	})
}

func (s *Server) handleSampleInfo(w http.ResponseWriter, r *http.Request) {
	metadata, err := s.catalog.Metadata(chi.URLParam(r, "sampleID"))
	switch {
	case errors.Is(err, ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, metadata)
	}
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	sampleID := chi.URLParam(r, "sampleID")
	timestamp := chi.URLParam(r, "timestamp")

	tile, err := s.cache.Render(s.catalog.RasterPath(sampleID, timestamp))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	// Bounds ride along as headers so the client can place the overlay
	// without a second request.
	w.Header().Set("X-Bounds-LatMin", formatFloat(tile.Bounds.LatMin))
	w.Header().Set("X-Bounds-LatMax", formatFloat(tile.Bounds.LatMax))
	w.Header().Set("X-Bounds-LonMin", formatFloat(tile.Bounds.LonMin))
	w.Header().Set("X-Bounds-LonMax", formatFloat(tile.Bounds.LonMax))
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(tile.PNG)
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	lat, latErr := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if latErr != nil || lonErr != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid lat/lon parameters"))
		return
	}

	entry, distanceKm, err := s.index.Nearest(lat, lon)
	switch {
	case errors.Is(err, ErrInvalidCoordinate):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrEmptyIndex):
		s.writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"sample_id":   entry.PatchID,
			"distance_km": distanceKm,
			"sample_lat":  entry.Lat,
			"sample_lon":  entry.Lon,
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
