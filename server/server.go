// Package server exposes the tile operations and the catalog over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jkgeo/terracotta/catalog"
	"github.com/jkgeo/terracotta/raster"
	"github.com/jkgeo/terracotta/tiles"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terracotta_http_requests_total",
		Help: "The total number of HTTP requests, by route and status code",
	}, []string{"route", "code"})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "terracotta_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.3, 1, 3},
	}, []string{"route"})
	responseCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terracotta_http_response_cache_hits_total",
		Help: "The total number of PNG responses served from the response cache",
	})
)

// errBadRequest marks malformed query or path parameters.
var errBadRequest = errors.New("bad request")

// Config configures a Server.
type Config struct {
	CORSOrigins []string
	// ResponseCacheMB bounds the encoded PNG response cache. Zero disables
	// it.
	ResponseCacheMB  int
	ResponseCacheTTL time.Duration
	Logger           *slog.Logger
}

// Server serves tiles, previews, legends and dataset metadata.
type Server struct {
	tiles     *tiles.Service
	catalog   *catalog.Store
	responses *bigcache.BigCache
	cfg       Config
	logger    *slog.Logger
}

// New returns a Server. Call Close to release the response cache.
func New(svc *tiles.Service, store *catalog.Store, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	s := &Server{tiles: svc, catalog: store, cfg: cfg, logger: cfg.Logger}
	if cfg.ResponseCacheMB > 0 {
		ttl := cfg.ResponseCacheTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		bc := bigcache.DefaultConfig(ttl)
		bc.HardMaxCacheSize = cfg.ResponseCacheMB
		bc.MaxEntrySize = 64 * 1024
		bc.Verbose = false
		cache, err := bigcache.New(context.Background(), bc)
		if err != nil {
			return nil, fmt.Errorf("failed to create response cache: %w", err)
		}
		s.responses = cache
	}
	return s, nil
}

// Close releases the response cache.
func (s *Server) Close() error {
	if s.responses == nil {
		return nil
	}
	return s.responses.Close()
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/datasets", s.listDatasets)
	r.Get("/datasets/{id}", s.getDataset)
	r.Get("/metadata/{id}", s.metadata)
	r.Get("/colormap", s.colormap)

	r.Group(func(r chi.Router) {
		r.Use(s.cacheResponses)
		r.Get("/singleband/{id}/preview.png", s.singlebandPreview)
		r.Get("/singleband/{id}/{z}/{x}/{y}.png", s.singlebandTile)
		r.Get("/rgb/{r}/{g}/{b}/preview.png", s.rgbPreview)
		r.Get("/rgb/{r}/{g}/{b}/{z}/{x}/{y}.png", s.rgbTile)
	})
	return r
}

// instrument records metrics and logs every request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		httpRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// cacheResponses serves successful PNG responses from bigcache when it is
// enabled. Keys are the path and the sorted query.
func (s *Server) cacheResponses(next http.Handler) http.Handler {
	if s.responses == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path + "?" + r.URL.Query().Encode()
		if data, err := s.responses.Get(key); err == nil {
			responseCacheHits.Inc()
			w.Header().Set("X-Cache", "HIT")
			writePNG(w, data)
			return
		}
		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Cache", "MISS")
		next.ServeHTTP(rec, r)
		if rec.status == http.StatusOK && rec.body != nil {
			if err := s.responses.Set(key, rec.body); err != nil {
				s.logger.Debug("response not cached", "path", r.URL.Path, "error", err)
			}
		}
	})
}

// recorder keeps a copy of a PNG body written in a single call.
type recorder struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == http.StatusOK && r.Header().Get("Content-Type") == "image/png" {
		r.body = append(r.body, b...)
	}
	return r.ResponseWriter.Write(b)
}

func (s *Server) listDatasets(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		catalog.Dataset
		Servable bool `json:"servable"`
	}
	list := s.catalog.List()
	out := make([]entry, len(list))
	for i, d := range list {
		out[i] = entry{Dataset: d, Servable: d.Servable() == nil}
	}
	writeJSON(w, map[string]any{"datasets": out, "total": len(out)})
}

func (s *Server) getDataset(w http.ResponseWriter, r *http.Request) {
	d, err := s.catalog.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, d)
}

// metadataResponse is the statistics of a dataset with its footprint as a
// GeoJSON polygon.
type metadataResponse struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Bounds          [4]float64        `json:"bounds"`
	ConvexHull      *geojson.Geometry `json:"convex_hull"`
	ValidPercentage float64           `json:"valid_percentage"`
	Range           [2]float64        `json:"range"`
	Mean            float64           `json:"mean"`
	Stdev           float64           `json:"stdev"`
	Percentiles     []float64         `json:"percentiles"`
}

func (s *Server) metadata(w http.ResponseWriter, r *http.Request) {
	d, err := s.catalog.Get(chi.URLParam(r, "id"))
	if err == nil {
		err = d.Servable()
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st := d.Stats
	resp := metadataResponse{
		ID:              d.ID,
		Name:            d.Name,
		Bounds:          [4]float64{st.Bounds.West, st.Bounds.South, st.Bounds.East, st.Bounds.North},
		ValidPercentage: st.ValidPercentage,
		Range:           [2]float64{st.Min, st.Max},
		Mean:            st.Mean,
		Stdev:           st.Stdev,
		Percentiles:     st.Percentiles,
	}
	if len(st.ConvexHull) > 0 {
		resp.ConvexHull = geojson.NewGeometry(st.ConvexHull)
	}
	writeJSON(w, resp)
}

func (s *Server) colormap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stretch, err := parseStretch(q.Get("stretch_min"), q.Get("stretch_max"))
	if err == nil && stretch == nil {
		err = fmt.Errorf("%w: stretch_min and stretch_max are required", errBadRequest)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	spec, err := parseColormap(q.Get("colormap"), q.Get("explicit_color_map"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n := 255
	if v := q.Get("num_values"); v != "" {
		n, err = strconv.Atoi(v)
		if err != nil || n < 1 || n > 255 {
			s.writeError(w, r, fmt.Errorf("%w: num_values must be in [1,255]", errBadRequest))
			return
		}
	}
	entries, err := s.tiles.Legend(spec, *stretch, n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"colormap": entries})
}

func (s *Server) singlebandTile(w http.ResponseWriter, r *http.Request) {
	z, x, y, err := tileParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	size, stretch, spec, err := singlebandQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.tiles.RenderTile(r.Context(), chi.URLParam(r, "id"), z, x, y, size, stretch, spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writePNG(w, data)
}

func (s *Server) singlebandPreview(w http.ResponseWriter, r *http.Request) {
	size, stretch, spec, err := singlebandQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.tiles.RenderPreview(r.Context(), chi.URLParam(r, "id"), size, stretch, spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writePNG(w, data)
}

func (s *Server) rgbTile(w http.ResponseWriter, r *http.Request) {
	z, x, y, err := tileParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	size, stretches, err := rgbQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.tiles.RenderComposite(r.Context(), rgbIDs(r), z, x, y, size, stretches)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writePNG(w, data)
}

func (s *Server) rgbPreview(w http.ResponseWriter, r *http.Request) {
	size, stretches, err := rgbQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.tiles.RenderCompositePreview(r.Context(), rgbIDs(r), size, stretches)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writePNG(w, data)
}

func rgbIDs(r *http.Request) [3]string {
	return [3]string{chi.URLParam(r, "r"), chi.URLParam(r, "g"), chi.URLParam(r, "b")}
}

// statusOf maps an error to an HTTP status code.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, tiles.ErrInvalidRequest),
		errors.Is(err, raster.ErrOutOfRange),
		errors.Is(err, raster.ErrInvalidStretch):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, catalog.ErrNotServable):
		return http.StatusNotFound
	case errors.Is(err, raster.ErrBandRead):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", code, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// parseColorTable decodes an explicit colormap, a JSON object mapping
// values 0..255 to [r, g, b] or [r, g, b, a].
func parseColorTable(s string) (map[uint8]color.RGBA, error) {
	var raw map[string][]int
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("%w: explicit_color_map is not a JSON object of colors: %w", errBadRequest, err)
	}
	table := make(map[uint8]color.RGBA, len(raw))
	for k, c := range raw {
		v, err := strconv.Atoi(k)
		if err != nil || v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: explicit_color_map key %q is not in [0,255]", errBadRequest, k)
		}
		if len(c) != 3 && len(c) != 4 {
			return nil, fmt.Errorf("%w: explicit_color_map color for %d needs 3 or 4 components", errBadRequest, v)
		}
		rgba := [4]uint8{0, 0, 0, 255}
		for i, ch := range c {
			if ch < 0 || ch > 255 {
				return nil, fmt.Errorf("%w: explicit_color_map component %d out of range", errBadRequest, ch)
			}
			rgba[i] = uint8(ch)
		}
		table[uint8(v)] = color.RGBA{rgba[0], rgba[1], rgba[2], rgba[3]}
	}
	return table, nil
}
