package api

import (
	"net/http"
	"strconv"

	"github.com/ponsauto/pons/engine/bridge"
	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/engine/publish"
	"github.com/ponsauto/pons/engine/vin"
)

type createJobRequest struct {
	VIN      string   `json:"vin"`
	Channels []string `json:"channels"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.orch.CreateJob(r.Context(), req.VIN, req.Channels)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleExecuteJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.ExecuteJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.orch.ListJobs(r.Context(), r.URL.Query().Get("vin"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []publish.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"channels":   domain.Channels,
		"configured": s.bridges.Configured(),
	})
}

type previewRequest struct {
	VIN     string `json:"vin"`
	Channel string `json:"channel"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ch, err := domain.ParseChannel(req.Channel)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.bridges.Get(ch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.inv.Get(r.Context(), req.VIN)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bridge.NewPreview(b, v))
}

func handleDecodeVIN(w http.ResponseWriter, r *http.Request) {
	var opts []vin.Option
	if h := r.URL.Query().Get("year_hint"); h != "" {
		year, err := strconv.Atoi(h)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "year_hint must be an integer"})
			return
		}
		opts = append(opts, vin.WithYearHint(year))
	}
	d, err := vin.Decode(r.PathValue("vin"), opts...)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, d)
}
