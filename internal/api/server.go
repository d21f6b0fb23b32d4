package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/kasp-primer-api/internal/logging"
	"github.com/JakeFAU/kasp-primer-api/internal/metrics"
	"github.com/JakeFAU/kasp-primer-api/internal/primer"
)

const maxRequestBytes = 1 << 20

// Gateway is the job surface the HTTP handlers drive.
type Gateway interface {
	Submit(ctx context.Context, req primer.DesignRequest) (primer.SubmitResult, error)
	Status(ctx context.Context, jobID string) (primer.JobView, error)
	Record(ctx context.Context, jobID string) (primer.Job, error)
	Download(ctx context.Context, jobID, filename string) ([]byte, error)
	Genomes() ([]primer.Genome, error)
	Ready() error
}

// Options configures the HTTP surface.
type Options struct {
	// StaticDir, when set, is served under /static/ and its index.html at /.
	StaticDir string
	// RequestTimeout bounds every request. It must cover a full pipeline run.
	RequestTimeout time.Duration
	// SubmitLimiter throttles POST /api/design per client address when set.
	SubmitLimiter SubmitLimiter
}

// SubmitLimiter decides whether a client may submit another design job.
type SubmitLimiter interface {
	Allow(client string) bool
}

// Server wires HTTP handlers to the job gateway.
type Server struct {
	router chi.Router
	jobs   Gateway
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs Gateway, opts Options, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger).Named("api")
	s := &Server{
		jobs:   jobs,
		opts:   opts,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	if opts.RequestTimeout > 0 {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/genomes", s.listGenomes)
		if opts.SubmitLimiter != nil {
			r.With(submitLimitMiddleware(opts.SubmitLimiter, logger)).Post("/design", s.submitDesign)
		} else {
			r.Post("/design", s.submitDesign)
		}
		r.Route("/job/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/record", s.getJobRecord)
		})
		r.Get("/download/{job_id}/{filename}", s.downloadArtifact)
	})

	if opts.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir))))
	}
	r.Get("/", s.root)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if err := s.jobs.Ready(); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "not ready", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	if s.opts.StaticDir != "" {
		index := filepath.Join(s.opts.StaticDir, "index.html")
		if info, err := os.Stat(index); err == nil && !info.IsDir() {
			http.ServeFile(w, r, index)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "KASP Primer Design API"}, s.logger)
}

func (s *Server) listGenomes(w http.ResponseWriter, _ *http.Request) {
	genomes, err := s.jobs.Genomes()
	if err != nil {
		s.logger.Error("failed to load genome catalog", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "genome catalog unavailable", s.logger)
		return
	}
	if genomes == nil {
		genomes = []primer.Genome{}
	}
	writeJSON(w, http.StatusOK, genomes, s.logger)
}

func (s *Server) submitDesign(w http.ResponseWriter, r *http.Request) {
	var req primer.DesignRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	res, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res, s.logger)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(view), s.logger)
}

func (s *Server) getJobRecord(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Record(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job, s.logger)
}

func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	data, err := s.jobs.Download(r.Context(), chi.URLParam(r, "job_id"), filename)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write download failed", zap.Error(err))
	}
}

// jobResponse shapes a JobView for clients. Completed jobs always carry a
// results array, possibly empty.
func jobResponse(view primer.JobView) map[string]any {
	resp := map[string]any{"status": view.Status}
	if view.Status == primer.JobStatusCompleted {
		results := view.Results
		if results == nil {
			results = []primer.ResultRecord{}
		}
		columns := view.Columns
		if columns == nil {
			columns = []string{}
		}
		resp["results"] = results
		resp["columns"] = columns
	}
	if view.Error != "" {
		resp["error"] = view.Error
	}
	return resp
}

// writeJobError maps job errors onto HTTP statuses with bounded messages.
func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	var (
		validation *primer.ValidationError
		storage    *primer.StorageError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Reason, s.logger)
	case errors.Is(err, primer.ErrArtifactForbidden):
		writeError(w, http.StatusBadRequest, "file not allowed for download", s.logger)
	case errors.Is(err, primer.ErrArtifactNotFound):
		writeError(w, http.StatusNotFound, "file not found", s.logger)
	case errors.Is(err, primer.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", s.logger)
	case errors.As(err, &storage):
		s.logger.Error("job storage failure", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to prepare job workspace", s.logger)
	default:
		s.logger.Error("job request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error", s.logger)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg)}, logger)
}
