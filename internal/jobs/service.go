// Package jobs accepts primer design submissions, drives them through the
// workspace and pipeline, and answers status and download queries.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/kasp-primer-api/internal/hash/sha256"
	"github.com/JakeFAU/kasp-primer-api/internal/logging"
	"github.com/JakeFAU/kasp-primer-api/internal/metrics"
	"github.com/JakeFAU/kasp-primer-api/internal/pipeline"
	"github.com/JakeFAU/kasp-primer-api/internal/primer"
	"github.com/JakeFAU/kasp-primer-api/internal/results"
	"github.com/JakeFAU/kasp-primer-api/internal/storage/memory"
	"github.com/JakeFAU/kasp-primer-api/internal/workspace"
)

const tracerName = "github.com/JakeFAU/kasp-primer-api/internal/jobs"

// DefaultMaxSNPCount bounds the number of SNP lines in one submission.
const DefaultMaxSNPCount = 50

// Runner executes the pipeline for one job.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

// Config controls submission limits and side effects.
type Config struct {
	MaxSNPCount int
	// ArchivePrefix is prepended to archived artifact paths.
	ArchivePrefix string
	// Topic names the completion event stream.
	Topic string
}

// Deps carries the collaborators of a Service. Ledger defaults to an
// in-memory store; Archive and Events are optional.
type Deps struct {
	Catalog    primer.GenomeCatalog
	Workspaces *workspace.Manager
	Runner     Runner
	Ledger     primer.JobStore
	Archive    primer.BlobStore
	Events     primer.Publisher
	Clock      primer.Clock
	Logger     *zap.Logger
	// BaseContext parents every pipeline run. Canceling it interrupts runs
	// in flight; request cancellation does not.
	BaseContext context.Context
}

// Service is the orchestrator and the status/download gateway.
type Service struct {
	cfg        Config
	catalog    primer.GenomeCatalog
	workspaces *workspace.Manager
	runner     Runner
	ledger     primer.JobStore
	archive    primer.BlobStore
	events     primer.Publisher
	clock      primer.Clock
	base       context.Context
	logger     *zap.Logger
}

// New validates deps and constructs a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Catalog == nil {
		return nil, errors.New("genome catalog is required")
	}
	if deps.Workspaces == nil {
		return nil, errors.New("workspace manager is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("pipeline runner is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.MaxSNPCount <= 0 {
		cfg.MaxSNPCount = DefaultMaxSNPCount
	}
	ledger := deps.Ledger
	if ledger == nil {
		ledger = memory.NewJobStore()
	}
	base := deps.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &Service{
		cfg:        cfg,
		catalog:    deps.Catalog,
		workspaces: deps.Workspaces,
		runner:     deps.Runner,
		ledger:     ledger,
		archive:    deps.Archive,
		events:     deps.Events,
		clock:      deps.Clock,
		base:       base,
		logger:     logging.OrNop(deps.Logger).Named("jobs"),
	}, nil
}

// CountSNPs returns the number of non-blank lines in a SNP batch.
func CountSNPs(snps string) int {
	n := 0
	for _, line := range strings.Split(snps, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// Submit validates the request, creates a workspace, runs the pipeline to
// completion or timeout and returns the job's final status.
//
// Validation failures return *primer.ValidationError and leave no workspace.
// Workspace failures return *primer.StorageError before the pipeline starts.
// Every other outcome is reported through the SubmitResult.
func (s *Service) Submit(ctx context.Context, req primer.DesignRequest) (primer.SubmitResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "jobs.Submit")
	defer span.End()

	res, err := s.submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission rejected")
		return res, err
	}
	span.SetAttributes(
		attribute.String("job.id", res.JobID),
		attribute.String("job.status", string(res.Status)),
	)
	return res, nil
}

func (s *Service) submit(ctx context.Context, req primer.DesignRequest) (primer.SubmitResult, error) {
	count := CountSNPs(req.SNPs)
	if count > s.cfg.MaxSNPCount {
		metrics.ObserveRejection("too_many_snps")
		return primer.SubmitResult{}, &primer.ValidationError{
			Reason: fmt.Sprintf("at most %d SNPs are supported", s.cfg.MaxSNPCount),
		}
	}
	genome, err := s.catalog.Lookup(req.Genome)
	if err != nil {
		if errors.Is(err, primer.ErrGenomeNotFound) {
			metrics.ObserveRejection("unknown_genome")
			return primer.SubmitResult{}, &primer.ValidationError{
				Reason: fmt.Sprintf("genome %s does not exist", req.Genome),
				Err:    err,
			}
		}
		return primer.SubmitResult{}, fmt.Errorf("lookup genome: %w", err)
	}

	job, err := s.workspaces.Create(ctx, genome.ID, count)
	if err != nil {
		return primer.SubmitResult{}, err
	}
	logger := s.logger.With(zap.String("job_id", job.ID), zap.String("genome", genome.ID))

	inputPath, err := s.workspaces.WriteInput(job, req.SNPs)
	if err != nil {
		if rmErr := s.workspaces.Remove(job.ID); rmErr != nil {
			logger.Warn("failed to remove workspace after input write failure", zap.Error(rmErr))
		}
		return primer.SubmitResult{}, err
	}
	if err := s.ledger.CreateJob(ctx, job); err != nil {
		logger.Warn("failed to record job", zap.Error(err))
	}
	logger.Info("job accepted", zap.Int("snp_count", count))

	metrics.IncInflight()
	outcome, err := s.runner.Run(s.runContext(ctx), pipeline.Request{
		InputPath:  inputPath,
		GenomePath: genome.Path,
		OutputDir:  job.Workspace,
	})
	metrics.DecInflight()
	if err != nil {
		return primer.SubmitResult{}, fmt.Errorf("run pipeline for job %s: %w", job.ID, err)
	}

	status := outcome.Status()
	s.finish(context.WithoutCancel(ctx), logger, job, status, outcome)

	return primer.SubmitResult{
		JobID:  job.ID,
		Status: status,
		Error:  outcome.Excerpt,
	}, nil
}

// runContext parents a pipeline run on the service base context while keeping
// the span of the submitting request.
func (s *Service) runContext(ctx context.Context) context.Context {
	return trace.ContextWithSpanContext(s.base, trace.SpanContextFromContext(ctx))
}

func (s *Service) finish(ctx context.Context, logger *zap.Logger, job primer.Job, status primer.JobStatus, outcome pipeline.Outcome) {
	finished := s.clock.Now()
	if done, err := s.workspaces.Finish(job.Workspace, status, outcome.Excerpt); err != nil {
		logger.Warn("failed to record final status in workspace", zap.Error(err))
	} else if done.Finished != nil {
		finished = *done.Finished
	}
	if err := s.ledger.UpdateJobStatus(ctx, job.ID, status, outcome.Excerpt, finished); err != nil {
		logger.Warn("failed to update job record", zap.Error(err))
	}
	metrics.ObserveJob(string(status), outcome.Duration)
	logger.Info("job finished",
		zap.String("status", string(status)),
		zap.String("outcome", string(outcome.Kind)),
		zap.Int("exit_code", outcome.ExitCode),
		zap.Duration("duration", outcome.Duration),
	)

	var digests map[string]string
	if status == primer.JobStatusCompleted {
		digests = s.archiveArtifacts(ctx, logger, job)
	}
	s.publish(ctx, logger, primer.CompletionEvent{
		JobID:     job.ID,
		Genome:    job.Genome,
		Status:    status,
		Finished:  finished,
		Artifacts: digests,
	})
}

// archiveArtifacts copies the downloadable artifacts to the archive and
// returns the SHA-256 of each one that was stored, keyed by file name.
func (s *Service) archiveArtifacts(ctx context.Context, logger *zap.Logger, job primer.Job) map[string]string {
	if s.archive == nil {
		return nil
	}
	digests := make(map[string]string, len(primer.DownloadableArtifacts))
	for _, name := range primer.DownloadableArtifacts {
		sum, err := s.archiveOne(ctx, job, name)
		if err != nil {
			logger.Warn("failed to archive artifact", zap.String("artifact", name), zap.Error(err))
			continue
		}
		digests[name] = sum
	}
	if len(digests) == 0 {
		return nil
	}
	return digests
}

func (s *Service) archiveOne(ctx context.Context, job primer.Job, name string) (string, error) {
	// #nosec G304 -- name is from the fixed artifact allow-list.
	f, err := os.Open(filepath.Join(job.Workspace, name))
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	digest := sha256.NewDigest()
	uri, err := s.archive.PutObject(ctx, ArchivePath(s.cfg.ArchivePrefix, job.ID, name), "text/tab-separated-values", io.TeeReader(f, digest))
	if err != nil {
		return "", err
	}
	s.logger.Debug("artifact archived", zap.String("job_id", job.ID), zap.String("uri", uri))
	return digest.Hex(), nil
}

// ArchivePath returns the blob path for an archived artifact.
func ArchivePath(prefix, jobID, name string) string {
	return path.Join(strings.Trim(prefix, "/"), jobID, name)
}

func (s *Service) publish(ctx context.Context, logger *zap.Logger, evt primer.CompletionEvent) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Publish(ctx, s.cfg.Topic, evt); err != nil {
		logger.Warn("failed to publish completion event", zap.Error(err))
	}
}

// Status interprets the current state of a job's workspace.
func (s *Service) Status(_ context.Context, jobID string) (primer.JobView, error) {
	dir, err := s.workspaces.Lookup(jobID)
	if err != nil {
		return primer.JobView{}, err
	}
	view, err := results.Interpret(dir)
	if err != nil {
		return primer.JobView{}, fmt.Errorf("interpret job %s: %w", jobID, err)
	}
	return view, nil
}

// Record returns the ledger entry for a job.
func (s *Service) Record(ctx context.Context, jobID string) (primer.Job, error) {
	return s.ledger.GetJob(ctx, jobID)
}

// Download returns the contents of a downloadable artifact. Names outside the
// allow-list fail with primer.ErrArtifactForbidden without touching the disk.
func (s *Service) Download(_ context.Context, jobID, filename string) ([]byte, error) {
	if !primer.IsDownloadable(filename) {
		return nil, fmt.Errorf("%w: %q", primer.ErrArtifactForbidden, filename)
	}
	dir, err := s.workspaces.Lookup(jobID)
	if err != nil {
		if errors.Is(err, primer.ErrJobNotFound) {
			return nil, fmt.Errorf("%w: %w", primer.ErrArtifactNotFound, err)
		}
		return nil, err
	}
	// #nosec G304 -- filename is from the fixed artifact allow-list.
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", primer.ErrArtifactNotFound, jobID, filename)
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Genomes lists the catalog.
func (s *Service) Genomes() ([]primer.Genome, error) {
	return s.catalog.List()
}

// Ready reports whether the workspace root is usable.
func (s *Service) Ready() error {
	info, err := os.Stat(s.workspaces.BaseDir())
	if err != nil {
		return fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace root %s is not a directory", s.workspaces.BaseDir())
	}
	return nil
}
