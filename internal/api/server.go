// Package api exposes the ingest engine over HTTP.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Treystu/BMSview-sub009/internal/fingerprint"
	"github.com/Treystu/BMSview-sub009/internal/pipeline"
	"github.com/Treystu/BMSview-sub009/internal/resilience"
	"github.com/Treystu/BMSview-sub009/internal/storage"
)

// maxUploadBytes bounds one screenshot upload. BMS app screenshots are
// single-screen PNGs; anything past this is not a screenshot.
const maxUploadBytes = 16 << 20

// idempotencyHeader carries the client-supplied idempotency key.
const idempotencyHeader = "Idempotency-Key"

// Server wires the engine into HTTP handlers.
type Server struct {
	engine   *pipeline.Engine
	store    storage.Storage
	breakers *resilience.Registry
	logger   *slog.Logger
}

// Options tune the router's cross-cutting middleware.
type Options struct {
	AllowedOrigins []string
	RateLimit      float64 // requests/second per client, 0 = unlimited
	RateBurst      int
	Gatherer       prometheus.Gatherer // nil disables /metrics
}

// NewRouter builds the HTTP handler tree.
func NewRouter(engine *pipeline.Engine, store storage.Storage, breakers *resilience.Registry, logger *slog.Logger, opts Options) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: engine, store: store, breakers: breakers, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", idempotencyHeader},
		MaxAge:         300,
	}))
	if opts.RateLimit > 0 {
		r.Use(rateLimiter(opts.RateLimit, opts.RateBurst, logger))
	}

	r.Get("/healthz", s.handleHealth)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(rt chi.Router) {
		rt.Post("/analyze", s.wrap(s.handleAnalyze))
		rt.Post("/analyze/check", s.wrap(s.handleCheck))
		rt.Get("/records/{id}", s.wrap(s.handleGetRecord))
		rt.Get("/records/recent", s.wrap(s.handleRecentRecords))
	})

	return r
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// wrap converts handler errors into the engine's stable error taxonomy:
// invalid content is the caller's fault, a timed-out analyzer is a gateway
// failure, an open breaker means the service is degraded.
func (s *Server) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}

		kind, status := classifyError(err)
		if status >= 500 {
			s.logger.Error("request failed", "path", req.URL.Path, "kind", kind, "error", err)
		} else {
			s.logger.Info("request rejected", "path", req.URL.Path, "kind", kind, "error", err)
		}
		writeError(w, status, kind, err)
	}
}

func classifyError(err error) (kind string, status int) {
	switch {
	case errors.Is(err, fingerprint.ErrInvalidContent):
		return "invalid_content", http.StatusBadRequest
	case errors.Is(err, errBadRequest):
		return "bad_request", http.StatusBadRequest
	case errors.Is(err, resilience.ErrOperationTimeout):
		return "operation_timeout", http.StatusGatewayTimeout
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "service_degraded", http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrNotFound):
		return "not_found", http.StatusNotFound
	default:
		return "analysis_failed", http.StatusBadGateway
	}
}

// errBadRequest marks malformed client input detected before fingerprinting.
var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// POST /api/analyze
// Accepts multipart/form-data (field "image", optional "fileName", "force")
// or application/json {"imageBase64", "fileName", "force"}.
func (s *Server) handleAnalyze(w http.ResponseWriter, req *http.Request) error {
	image, fileName, contentType, force, err := readSubmission(req)
	if err != nil {
		return err
	}

	result, err := s.engine.Submit(req.Context(), pipeline.SubmitRequest{
		Image:          image,
		FileName:       fileName,
		ContentType:    contentType,
		IdempotencyKey: req.Header.Get(idempotencyHeader),
		Force:          force,
	})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(result.Raw)
	return err
}

// POST /api/analyze/check
func (s *Server) handleCheck(w http.ResponseWriter, req *http.Request) error {
	image, fileName, _, _, err := readSubmission(req)
	if err != nil {
		return err
	}

	result, err := s.engine.CheckOnly(req.Context(), image, fileName)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, result)
}

// GET /api/records/{id}
func (s *Server) handleGetRecord(w http.ResponseWriter, req *http.Request) error {
	record, err := s.store.GetRecord(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, record)
}

// GET /api/records/recent?limit=N
func (s *Server) handleRecentRecords(w http.ResponseWriter, req *http.Request) error {
	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			return fmt.Errorf("%w: limit must be 1-500", errBadRequest)
		}
		limit = n
	}

	rows, err := s.store.ListRecentProjections(req.Context(), limit)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []*storage.ProjectionRow{}
	}
	return writeJSON(w, http.StatusOK, rows)
}

// GET /healthz reports liveness plus breaker states, so a degraded analyzer
// is visible without scraping metrics.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	type health struct {
		Status   string            `json:"status"`
		Breakers map[string]string `json:"breakers,omitempty"`
	}

	h := health{Status: "ok"}
	if s.breakers != nil {
		states := s.breakers.States()
		if len(states) > 0 {
			h.Breakers = make(map[string]string, len(states))
			for name, state := range states {
				h.Breakers[name] = state.String()
				if state != resilience.CircuitClosed {
					h.Status = "degraded"
				}
			}
		}
	}
	_ = writeJSON(w, http.StatusOK, h)
}

// readSubmission extracts the image payload from either encoding.
func readSubmission(req *http.Request) (image []byte, fileName, contentType string, force bool, err error) {
	req.Body = http.MaxBytesReader(nil, req.Body, maxUploadBytes)

	mediaType := req.Header.Get("Content-Type")
	if mt, _, parseErr := mime.ParseMediaType(mediaType); parseErr == nil {
		mediaType = mt
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		if err := req.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, "", "", false, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		file, header, ferr := req.FormFile("image")
		if ferr != nil {
			return nil, "", "", false, fmt.Errorf("%w: missing image field", errBadRequest)
		}
		defer file.Close()
		image, err = io.ReadAll(file)
		if err != nil {
			return nil, "", "", false, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		fileName = header.Filename
		if v := req.FormValue("fileName"); v != "" {
			fileName = v
		}
		contentType = header.Header.Get("Content-Type")
		force = req.FormValue("force") == "true"
		return image, fileName, contentType, force, nil

	case mediaType == "application/json":
		var body struct {
			ImageBase64 string `json:"imageBase64"`
			FileName    string `json:"fileName"`
			ContentType string `json:"contentType"`
			Force       bool   `json:"force"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return nil, "", "", false, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		if body.ImageBase64 == "" {
			return nil, "", "", false, fmt.Errorf("%w: imageBase64 is required", errBadRequest)
		}
		image, err = base64.StdEncoding.DecodeString(body.ImageBase64)
		if err != nil {
			return nil, "", "", false, fmt.Errorf("%w: imageBase64 is not valid base64", errBadRequest)
		}
		return image, body.FileName, body.ContentType, body.Force, nil

	default:
		return nil, "", "", false, fmt.Errorf("%w: unsupported content type %q", errBadRequest, mediaType)
	}
}
