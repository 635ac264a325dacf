// Package httpserver exposes the persistence service's ingest API. The
// simulation engine pushes tick batches and the one-shot run metadata
// document over HTTP in protobuf wire format; ticks land on the
// in-process queue that the persister drains.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/resource"
	"github.com/rainco77/evochora-sub004/internal/wire"
)

const (
	maxBodyBytes   = 64 << 20
	enqueueTimeout = 5 * time.Second
)

// MetadataSink accepts the run metadata document, once per run.
type MetadataSink interface {
	WriteMetadata(ctx context.Context, meta domain.SimulationMetadata) error
}

// Server holds the ingest handlers for one simulation run.
type Server struct {
	runID string
	sink  MetadataSink
	queue *resource.Queue[domain.TickData]
	log   *slog.Logger
}

// NewServer creates the ingest server for the given run.
func NewServer(runID string, sink MetadataSink, queue *resource.Queue[domain.TickData], log *slog.Logger) *Server {
	return &Server{runID: runID, sink: sink, queue: queue, log: log}
}

// Router builds the ingest API plus the ops endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/run", s.RunHandler())
	r.Post("/v1/run/metadata", s.MetadataHandler())
	r.Post("/v1/run/ticks", s.TicksHandler())
	return r
}

// RunHandler reports the run this process persists.
func (s *Server) RunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"simulation_run_id": s.runID})
	}
}

// MetadataHandler accepts one SimulationMetadata document in protobuf
// wire format. A second call for the same run is a conflict.
func (s *Server) MetadataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		meta, err := wire.UnmarshalSimulationMetadata(body)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if meta.SimulationRunID == "" {
			meta.SimulationRunID = s.runID
		}
		if meta.SimulationRunID != s.runID {
			writeError(w, fmt.Errorf("%w: metadata for run %q, this process persists %q",
				domain.ErrInvalidArgument, meta.SimulationRunID, s.runID), nil)
			return
		}
		if err := s.sink.WriteMetadata(r.Context(), meta); err != nil {
			writeError(w, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// TicksHandler accepts a TickDataBatch in protobuf wire format and
// enqueues its ticks. A full queue that does not drain within the
// enqueue timeout surfaces as 503, the engine's backpressure signal.
func (s *Server) TicksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		ticks, err := wire.UnmarshalTickDataBatch(body)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if len(ticks) == 0 {
			writeJSON(w, http.StatusAccepted, map[string]any{"accepted": 0})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
		defer cancel()
		if err := s.queue.PutAll(ctx, ticks); err != nil {
			s.log.Warn("tick ingest backpressure", slog.Int("ticks", len(ticks)))
			writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Error: apiError{
				Code:    "QUEUE_FULL",
				Message: "tick queue is full, retry with backoff",
			}})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(ticks)})
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(r.Body)
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, _ any) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrIllegalState):
		status = http.StatusConflict
		code = "ILLEGAL_STATE"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: err.Error()}})
}
