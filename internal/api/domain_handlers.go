package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/manager"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 200
)

type registerRequest struct {
	BaseURL  string `json:"base_url"`
	Priority string `json:"priority"`
	Start    bool   `json:"start"`
}

type pauseRequest struct {
	Resumable *bool `json:"resumable"`
}

type restartRequest struct {
	Wipe bool `json:"wipe"`
}

type priorityRequest struct {
	Priority string `json:"priority"`
}

// listDomains handles GET /v1/domains.
func (s *Server) listDomains(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"domains": s.domains.List()})
}

// registerDomain handles POST /v1/domains with {"base_url", "priority",
// "start"}. It answers 201 with the new domain, 400 for a bad URL or
// priority, and 409 when the host is already registered.
func (s *Server) registerDomain(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.BaseURL) == "" {
		writeError(w, http.StatusBadRequest, "base_url required")
		return
	}
	priority, err := crawler.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.domains.Register(r.Context(), req.BaseURL, priority)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if req.Start {
		if err := s.domains.Start(r.Context(), info.ID); err != nil {
			s.writeDomainError(w, err)
			return
		}
		if info, err = s.domains.Get(info.ID); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"domain": info})
}

func (s *Server) getDomain(w http.ResponseWriter, r *http.Request) {
	info, err := s.domains.Get(chi.URLParam(r, "domain_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": info})
}

// removeDomain blocks until the domain's data is gone, then answers 204.
func (s *Server) removeDomain(w http.ResponseWriter, r *http.Request) {
	if err := s.domains.Remove(r.Context(), chi.URLParam(r, "domain_id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startDomain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "domain_id")
	s.control(w, id, s.domains.Start(r.Context(), id))
}

// pauseDomain accepts an optional {"resumable": bool}; pauses are resumable
// unless stated otherwise.
func (s *Server) pauseDomain(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	resumable := req.Resumable == nil || *req.Resumable
	id := chi.URLParam(r, "domain_id")
	s.control(w, id, s.domains.Pause(r.Context(), id, resumable))
}

func (s *Server) restartDomain(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "domain_id")
	s.control(w, id, s.domains.Restart(r.Context(), id, req.Wipe))
}

func (s *Server) setPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	priority, err := crawler.ParsePriority(req.Priority)
	if err != nil || strings.TrimSpace(req.Priority) == "" {
		writeError(w, http.StatusBadRequest, "priority must be background, normal, or interactive")
		return
	}
	id := chi.URLParam(r, "domain_id")
	s.control(w, id, s.domains.SetPriority(r.Context(), id, priority))
}

// control answers a state-changing command with the domain's new state.
func (s *Server) control(w http.ResponseWriter, id string, err error) {
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	info, err := s.domains.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": info})
}

// search handles GET /v1/search?q=&mode=keyword|semantic&limit=.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	text := strings.TrimSpace(q.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}
	limit, err := parseLimit(r, defaultSearchLimit, maxSearchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := strings.ToLower(q.Get("mode"))
	var results []crawler.SearchResult
	switch mode {
	case "", "keyword":
		mode = "keyword"
		results, err = s.domains.KeywordQuery(r.Context(), text, limit)
	case "semantic":
		results, err = s.domains.SemanticQuery(r.Context(), text, limit)
	default:
		writeError(w, http.StatusBadRequest, "mode must be keyword or semantic")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if results == nil {
		results = []crawler.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode, "results": results})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, manager.ErrDuplicateDomain), errors.Is(err, crawler.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, crawler.ErrMalformedURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manager.ErrNoEmbedder):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}
