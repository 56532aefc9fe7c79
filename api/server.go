package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DeafMist/talent-digest/internal/audit"
	"github.com/DeafMist/talent-digest/internal/autoscale"
	"github.com/DeafMist/talent-digest/internal/config"
	"github.com/DeafMist/talent-digest/internal/elasticsearch"
	"github.com/DeafMist/talent-digest/internal/metrics"
	"github.com/DeafMist/talent-digest/internal/models"
	"github.com/DeafMist/talent-digest/internal/queue"
)

type digestQueue interface {
	queue.Producer
	queue.Inspector
}

type documentReader interface {
	GetDigest(ctx context.Context, id string) (models.DigestDocument, error)
}

type server struct {
	log    *slog.Logger
	cfg    *config.API
	queue  digestQueue
	audit  audit.Store
	docs   documentReader
	checks map[string]func(context.Context) error
}

type errorResponse struct {
	Error string `json:"error"`
}

type submitRequest struct {
	RequestID          string         `json:"request_id"`
	Audience           string         `json:"audience"`
	RequesterReference string         `json:"requester_reference"`
	Filters            models.Filters `json:"filters"`
}

type submitResponse struct {
	RequestID string             `json:"request_id"`
	Status    models.AuditStatus `json:"status"`
}

type scaleResponse struct {
	Depth    int64 `json:"depth"`
	Replicas int   `json:"replicas"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/scale", s.handleScale)

	r.Route("/digests", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/document", s.handleDocument)
	})
	r.Route("/dead-letters", func(r chi.Router) {
		r.Get("/", s.handleDeadLetters)
		r.Post("/{id}/replay", s.handleReplay)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: name + ": " + err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var body submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body: " + err.Error()})
		return
	}

	aud, err := models.ParseAudience(body.Audience)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	req := models.DigestRequest{
		RequestID:          strings.TrimSpace(body.RequestID),
		Audience:           aud,
		RequesterReference: strings.TrimSpace(body.RequesterReference),
		Filters:            body.Filters,
		EnqueuedAt:         time.Now().UTC(),
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	// The audit record is created by the first delivery, not here. A resubmitted
	// id whose request already finished is answered from its record.
	rec, err := s.audit.Get(ctx, req.RequestID)
	switch {
	case err == nil && rec.Status.Terminal():
		writeJSON(w, http.StatusAccepted, submitResponse{RequestID: req.RequestID, Status: rec.Status})
		return
	case err != nil && !errors.Is(err, audit.ErrNotFound):
		s.log.Error("read audit record", slog.String("request_id", req.RequestID), slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "audit store unavailable"})
		return
	}
	if _, err := s.queue.Enqueue(ctx, req); err != nil {
		s.log.Error("enqueue request", slog.String("request_id", req.RequestID), slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "queue unavailable"})
		return
	}

	s.log.Info("digest requested",
		slog.String("request_id", req.RequestID),
		slog.String("audience", string(req.Audience)),
		slog.Int("max_count", req.Filters.MaxCount),
	)
	status := rec.Status
	if status == "" {
		status = models.StatusQueued
	}
	writeJSON(w, http.StatusAccepted, submitResponse{RequestID: req.RequestID, Status: status})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleDocument(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	if rec.Status != models.StatusCompleted {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "digest is " + string(rec.Status)})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	doc, err := s.docs.GetDigest(ctx, rec.ResultReference)
	if errors.Is(err, elasticsearch.ErrDigestNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "document expired or missing"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *server) record(w http.ResponseWriter, r *http.Request) (models.AuditRecord, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := s.audit.Get(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, audit.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown request"})
		return rec, false
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return rec, false
	}
	return rec, true
}

func (s *server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	limit := clampInt(r.URL.Query().Get("limit"), s.cfg.DeadLetterLimit, s.cfg.DeadLetterLimit)
	dead, err := s.queue.DeadLetters(ctx, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if dead == nil {
		dead = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dead)
}

// handleReplay reopens a failed record and puts its message back on the queue.
// Completed records stay completed: their message was dead-lettered on
// delivery, and the worker will only retry the notification.
func (s *server) handleReplay(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	id := chi.URLParam(r, "id")

	// A message dead-lettered before its first attempt has no record to reopen.
	rec, err := s.audit.Get(ctx, id)
	if err != nil && !errors.Is(err, audit.ErrNotFound) {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	// A record left in processing (lock expired on the last delivery) resumes as is.
	if rec.Status == models.StatusFailed {
		if err := s.audit.Reopen(ctx, id); err != nil {
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
	}

	if err := s.queue.Replay(ctx, id); err != nil {
		if errors.Is(err, queue.ErrNotDeadLettered) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	s.log.Info("dead letter replayed", slog.String("request_id", id), slog.String("previous_status", string(rec.Status)))
	writeJSON(w, http.StatusAccepted, submitResponse{RequestID: id, Status: models.StatusQueued})
}

func (s *server) handleScale(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	replicas := autoscale.Replicas(depth, s.cfg.MessagesPerReplica, s.cfg.MaxReplicas)
	metrics.QueueDepth.Set(float64(depth))
	metrics.DesiredReplicas.Set(float64(replicas))

	writeJSON(w, http.StatusOK, scaleResponse{Depth: depth, Replicas: replicas})
}

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
