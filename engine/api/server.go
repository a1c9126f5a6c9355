// Package api serves the inventory, publishing and feed operations over
// JSON/HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ponsauto/pons/engine/bridge"
	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/engine/feed"
	"github.com/ponsauto/pons/engine/inventory"
	"github.com/ponsauto/pons/engine/normalize"
	"github.com/ponsauto/pons/engine/publish"
	"github.com/ponsauto/pons/pkg/metrics"
	"github.com/ponsauto/pons/pkg/mid"
	"github.com/ponsauto/pons/pkg/resilience"
)

// maxBodyBytes bounds JSON request bodies. Feed uploads use feed.MaxFeedBytes.
const maxBodyBytes = 1 << 20

// Deps holds the services behind the routes.
type Deps struct {
	Inventory    *inventory.Service
	Orchestrator *publish.Orchestrator
	Bridges      *bridge.Registry
	Feeds        *feed.Service
	Metrics      *metrics.Registry
	Logger       *slog.Logger

	CORSOrigin     string
	RequestTimeout time.Duration
}

// Server routes HTTP requests to the services.
type Server struct {
	inv     *inventory.Service
	orch    *publish.Orchestrator
	bridges *bridge.Registry
	feeds   *feed.Service
	metrics *metrics.Registry
	log     *slog.Logger
	handler http.Handler
}

// New builds the server and its middleware chain.
func New(deps Deps) *Server {
	s := &Server{
		inv:     deps.Inventory,
		orch:    deps.Orchestrator,
		bridges: deps.Bridges,
		feeds:   deps.Feeds,
		metrics: deps.Metrics,
		log:     deps.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	origin := deps.CORSOrigin
	if origin == "" {
		origin = "*"
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = mid.Chain(mux,
		mid.Recover(s.log),
		mid.Logger(s.log),
		mid.CORS(origin),
		mid.OTel("pons-api"),
		mid.Timeout(deps.RequestTimeout),
		mid.Observe(s.metrics),
	)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /vehicles", s.handleCreateVehicle)
	mux.HandleFunc("GET /vehicles", s.handleListVehicles)
	mux.HandleFunc("POST /vehicles/search", s.handleSearchVehicles)
	mux.HandleFunc("GET /vehicles/{vin}", s.handleGetVehicle)
	mux.HandleFunc("PUT /vehicles/{vin}", s.handleUpdateVehicle)
	mux.HandleFunc("DELETE /vehicles/{vin}", s.handleDeleteVehicle)
	mux.HandleFunc("POST /vehicles/{vin}/sync", s.handleSync)
	mux.HandleFunc("POST /vehicles/{vin}/unpublish", s.handleUnpublish)

	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/execute", s.handleExecuteJob)

	mux.HandleFunc("GET /channels", s.handleChannels)
	mux.HandleFunc("POST /preview", s.handlePreview)
	mux.HandleFunc("GET /vin/{vin}", handleDecodeVIN)

	mux.HandleFunc("POST /feeds/sources", s.handleRegisterSource)
	mux.HandleFunc("GET /feeds/sources", s.handleListSources)
	mux.HandleFunc("POST /feeds/upload", s.handleUpload)
	mux.HandleFunc("POST /feeds/{name}/ingest", s.handleIngest)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errBadRequest marks malformed input that has no domain sentinel.
var errBadRequest = errors.New("bad request")

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrVehicleNotFound),
		errors.Is(err, publish.ErrJobNotFound),
		errors.Is(err, feed.ErrUnknownSource):
		return http.StatusNotFound
	case errors.As(err, &verr),
		errors.Is(err, errBadRequest),
		errors.Is(err, feed.ErrUnknownFormat),
		errors.Is(err, feed.ErrInvalidSource),
		errors.Is(err, normalize.ErrUnknownMapping),
		errors.Is(err, inventory.ErrVINChange):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrChannelNotConfigured),
		errors.Is(err, bridge.ErrMissingCredentials):
		return http.StatusUnprocessableEntity
	case errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrRateLimited):
		return http.StatusServiceUnavailable
	case errors.Is(err, feed.ErrFetchFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorStatus(w, r, statusFor(err), err)
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into dst. Numbers are kept as json.Number so
// feed-style coercion sees the original text.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", errBadRequest, err)
	}
	return nil
}
