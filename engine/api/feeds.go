package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ponsauto/pons/engine/feed"
)

func (s *Server) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	var src feed.Source
	if err := decodeBody(w, r, &src); err != nil {
		s.writeError(w, r, err)
		return
	}
	src, err := s.feeds.Registry().Register(src)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("feed source registered", "source", src.Name, "format", src.Format)
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleListSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.feeds.Registry().List()})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	rep, err := s.feeds.Ingest(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	src := feed.Source{
		Name:     q.Get("source"),
		Format:   feed.Format(q.Get("format")),
		Mapping:  q.Get("mapping"),
		Encoding: q.Get("encoding"),
	}
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, feed.MaxFeedBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeErrorStatus(w, r, http.StatusRequestEntityTooLarge, fmt.Errorf("feed larger than %d bytes", tooBig.Limit))
			return
		}
		s.writeError(w, r, fmt.Errorf("%w: read body: %w", errBadRequest, err))
		return
	}
	rep, err := s.feeds.Upload(r.Context(), src, content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
