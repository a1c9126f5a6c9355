package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/engine/inventory"
)

// defaultSource tags vehicles created through the API without a source.
const defaultSource = "api"

// createVehicleRequest is the wrapped create body. A body without a "raw"
// object is treated as the record fields themselves.
type createVehicleRequest struct {
	Source  string
	Mapping string
	Fields  map[string]any
}

func parseCreateVehicle(body map[string]any) createVehicleRequest {
	raw, ok := body["raw"].(map[string]any)
	if !ok {
		return createVehicleRequest{Source: defaultSource, Fields: domain.CanonicalFields(body)}
	}
	req := createVehicleRequest{Source: defaultSource, Fields: domain.CanonicalFields(raw)}
	if s, _ := body["source"].(string); s != "" {
		req.Source = s
	}
	req.Mapping, _ = body["mapping"].(string)
	return req
}

func (s *Server) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := parseCreateVehicle(body)
	rec := domain.RawVehicleRecord{Source: req.Source, Fields: req.Fields, IngestedAt: time.Now().UTC()}
	v, err := s.inv.Create(r.Context(), req.Mapping, rec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	v, err := s.inv.Get(r.Context(), r.PathValue("vin"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleUpdateVehicle(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := decodeBody(w, r, &fields); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.inv.Update(r.Context(), r.PathValue("vin"), fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeleteVehicle(w http.ResponseWriter, r *http.Request) {
	if err := s.inv.Delete(r.Context(), r.PathValue("vin")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	vehicles, err := s.inv.List(r.Context(), q.Get("status"), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeVehicles(w, vehicles)
}

type searchRequest struct {
	Status   string   `json:"status"`
	Make     string   `json:"make"`
	Model    string   `json:"model"`
	Year     int      `json:"year"`
	MinPrice *float64 `json:"min_price"`
	MaxPrice *float64 `json:"max_price"`
	Limit    int      `json:"limit"`
	Offset   int      `json:"offset"`
}

func (s *Server) handleSearchVehicles(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q := inventory.Query{
		Make:     req.Make,
		Model:    req.Model,
		Year:     req.Year,
		MinPrice: req.MinPrice,
		MaxPrice: req.MaxPrice,
		Limit:    req.Limit,
		Offset:   req.Offset,
	}
	if req.Status != "" {
		st, err := domain.ParseVehicleStatus(req.Status)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		q.Status = st
	}
	vehicles, err := s.inv.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeVehicles(w, vehicles)
}

func writeVehicles(w http.ResponseWriter, vehicles []domain.CanonicalVehicle) {
	if vehicles == nil {
		vehicles = []domain.CanonicalVehicle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": vehicles, "count": len(vehicles)})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	results, err := s.orch.Sync(r.Context(), r.PathValue("vin"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResults(w, results)
}

func (s *Server) handleUnpublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channels []string `json:"channels"`
	}
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, err)
		return
	}
	results, err := s.orch.Unpublish(r.Context(), r.PathValue("vin"), req.Channels)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResults(w, results)
}

func writeResults(w http.ResponseWriter, results map[domain.Channel]domain.ChannelResult) {
	if results == nil {
		results = map[domain.Channel]domain.ChannelResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// intParam parses an optional non-negative query integer.
func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError(name, v, errBadRequest)
	}
	return n, nil
}
