package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/knoguchi/flashrag/internal/admission"
	"github.com/knoguchi/flashrag/internal/auth"
	"github.com/knoguchi/flashrag/internal/pipeline"
	"github.com/knoguchi/flashrag/internal/retriever"
)

const (
	maxQueryBody    = 1 << 20
	maxDocumentBody = 32 << 20
)

type queryRequest struct {
	Query    string `json:"query" validate:"required"`
	UseCache *bool  `json:"use_cache"`
	Stream   bool   `json:"stream"`
}

type batchRequest struct {
	Queries  []string `json:"queries" validate:"required,min=1"`
	UseCache *bool    `json:"use_cache"`
}

type batchResponse struct {
	Results any `json:"results"`
}

type documentsRequest struct {
	Passages []retriever.Passage `json:"passages" validate:"required,min=1,dive"`
}

type errorResponse struct {
	Error string         `json:"error"`
	Stage pipeline.State `json:"stage,omitempty"`
}

func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if !s.decode(w, r, maxQueryBody, &body) {
		return
	}
	if !s.admit(w, r) {
		return
	}

	req := pipeline.Request{
		Text:     body.Query,
		UseCache: useCache(body.UseCache),
		Stream:   body.Stream,
	}
	if body.Stream {
		s.streamQuery(w, r, req)
		return
	}

	res, err := s.cfg.Querier.Query(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// streamQuery writes every pipeline event as one SSE data frame. Once the
// headers are sent, failures travel as error events.
func (s *HTTPServer) streamQuery(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.cfg.Querier.Stream(r.Context(), req) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("failed to encode stream event", "error", err, "type", ev.Type)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// the client is gone; the request context cancels the pipeline
			return
		}
		flusher.Flush()
	}
}

func (s *HTTPServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if !s.decode(w, r, maxQueryBody, &body) {
		return
	}
	if len(body.Queries) > s.cfg.MaxBatchSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			Error: fmt.Sprintf("batch of %d queries exceeds the limit of %d", len(body.Queries), s.cfg.MaxBatchSize),
		})
		return
	}
	if !s.admit(w, r) {
		return
	}

	cached := useCache(body.UseCache)
	reqs := make([]pipeline.Request, len(body.Queries))
	for i, q := range body.Queries {
		reqs[i] = pipeline.Request{Text: q, UseCache: cached}
	}
	writeJSON(w, http.StatusOK, batchResponse{Results: s.cfg.Batch.Run(r.Context(), reqs)})
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "metrics disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Metrics.Summary())
}

func (s *HTTPServer) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cache == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Cache.Stats())
}

func (s *HTTPServer) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cache == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "cache disabled"})
		return
	}
	if !s.admit(w, r) {
		return
	}
	if err := s.cfg.Cache.Clear(r.Context()); err != nil {
		s.logger.Error("failed to clear cache", "error", err, "client", auth.ClientKeyFromContext(r.Context()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleIndexDocuments(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Indexer == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "indexing disabled"})
		return
	}
	if !s.admit(w, r) {
		return
	}
	var body documentsRequest
	if !s.decode(w, r, maxDocumentBody, &body) {
		return
	}
	if err := s.cfg.Indexer.Index(r.Context(), body.Passages); err != nil {
		s.logger.Error("failed to index documents", "error", err, "count", len(body.Passages))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	total, err := s.cfg.Indexer.Count(r.Context())
	if err != nil {
		s.logger.Warn("failed to count documents", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"indexed": len(body.Passages),
		"total":   total,
	})
}

// admit consults the gate. A gate that cannot decide fails closed.
func (s *HTTPServer) admit(w http.ResponseWriter, r *http.Request) bool {
	client := auth.ClientKeyFromContext(r.Context())
	err := admission.Check(r.Context(), s.cfg.Gate, client)
	switch {
	case err == nil:
		return true
	case errors.Is(err, admission.ErrRejected):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("admission check failed", "error", err, "client", client)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "admission unavailable"})
	}
	return false
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationMessage(err)})
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}

// statusFor maps a pipeline error to an HTTP status.
func statusFor(err error) int {
	var se *pipeline.StageError
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoContext):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &se):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	stage := pipeline.FailedStage(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("query failed",
			"error", err,
			"stage", stage,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Stage: stage})
}

func useCache(v *bool) bool {
	return v == nil || *v
}
