// Package server assembles the primer design service and runs its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/kasp-primer-api/internal/api"
	"github.com/JakeFAU/kasp-primer-api/internal/clock/system"
	"github.com/JakeFAU/kasp-primer-api/internal/config"
	"github.com/JakeFAU/kasp-primer-api/internal/genome"
	"github.com/JakeFAU/kasp-primer-api/internal/id/uuid"
	"github.com/JakeFAU/kasp-primer-api/internal/jobs"
	"github.com/JakeFAU/kasp-primer-api/internal/logging"
	"github.com/JakeFAU/kasp-primer-api/internal/pipeline"
	"github.com/JakeFAU/kasp-primer-api/internal/policy/ratelimit"
	"github.com/JakeFAU/kasp-primer-api/internal/primer"
	memorypublisher "github.com/JakeFAU/kasp-primer-api/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/kasp-primer-api/internal/publisher/pubsub"
	"github.com/JakeFAU/kasp-primer-api/internal/storage/gcs"
	"github.com/JakeFAU/kasp-primer-api/internal/storage/local"
	"github.com/JakeFAU/kasp-primer-api/internal/storage/memory"
	pgstore "github.com/JakeFAU/kasp-primer-api/internal/storage/postgres"
	"github.com/JakeFAU/kasp-primer-api/internal/sweeper"
	"github.com/JakeFAU/kasp-primer-api/internal/telemetry"
	"github.com/JakeFAU/kasp-primer-api/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	workspaces     *workspace.Manager
	jobs           *jobs.Service
	sweeper        *sweeper.Sweeper
	apiServer      *api.Server
	cancelRuns     context.CancelFunc
	storage        *storage.Client
	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	jobStore       *pgstore.JobStore
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger = logging.OrNop(logger)
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("workspace_dir", cfg.Workspace.Dir),
		zap.String("catalog", cfg.Catalog.Path),
		zap.Duration("pipeline_timeout", cfg.PipelineTimeout()),
		zap.Duration("retention", cfg.RetentionAge()),
	)

	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		if closeErr := app.Close(context.Background()); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{ServiceName: "kaspd"})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	catalog, err := genome.NewFileCatalog(a.cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("genome catalog init failed: %w", err)
	}

	ledger, err := a.setupLedger(ctx)
	if err != nil {
		return err
	}
	if err := a.setupSweeper(ledger); err != nil {
		return err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	events, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	invoker := pipeline.New(pipeline.Config{
		Binary:       a.cfg.Pipeline.Binary,
		Timeout:      a.cfg.PipelineTimeout(),
		ExcerptChars: a.cfg.Pipeline.ExcerptChars,
	}, a.logger.Named("pipeline"))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelRuns = cancel

	a.jobs, err = jobs.New(jobs.Config{
		MaxSNPCount:   a.cfg.Jobs.MaxSNPCount,
		ArchivePrefix: a.cfg.Archive.Prefix,
		Topic:         a.cfg.PubSub.TopicName,
	}, jobs.Deps{
		Catalog:     catalog,
		Workspaces:  a.workspaces,
		Runner:      invoker,
		Ledger:      ledger,
		Archive:     archive,
		Events:      events,
		Clock:       system.New(),
		Logger:      a.logger,
		BaseContext: runCtx,
	})
	if err != nil {
		return fmt.Errorf("job service init failed: %w", err)
	}

	opts := api.Options{
		StaticDir:      a.cfg.Server.StaticDir,
		RequestTimeout: a.cfg.RequestTimeout(),
	}
	if a.cfg.Server.SubmitRatePerMinute > 0 {
		opts.SubmitLimiter = ratelimit.New(ratelimit.Config{
			PerMinute: a.cfg.Server.SubmitRatePerMinute,
			Burst:     a.cfg.Server.SubmitBurst,
		})
	}
	a.apiServer = api.NewServer(a.jobs, opts, a.logger)
	return nil
}

// BuildSweeper creates only what a standalone retention pass needs. Job
// records are cleaned up too when a database ledger is configured.
func BuildSweeper(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	app := &App{cfg: cfg, logger: logging.OrNop(logger)}
	var ledger sweeper.Ledger
	if cfg.DB.DSN != "" {
		store, err := app.setupLedger(ctx)
		if err != nil {
			_ = app.Close(ctx)
			return nil, err
		}
		ledger = store
	}
	if err := app.setupSweeper(ledger); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) setupSweeper(ledger sweeper.Ledger) error {
	clock := system.New()
	var err error
	a.workspaces, err = workspace.New(workspace.Config{BaseDir: a.cfg.Workspace.Dir}, uuid.New(), clock, a.logger)
	if err != nil {
		return fmt.Errorf("workspace init failed: %w", err)
	}
	a.sweeper, err = sweeper.New(sweeper.Config{
		MaxAge:   a.cfg.RetentionAge(),
		Interval: a.cfg.SweepInterval(),
		Clock:    clock,
		Ledger:   ledger,
		Logger:   a.logger,
	}, a.workspaces)
	if err != nil {
		return fmt.Errorf("sweeper init failed: %w", err)
	}
	return nil
}

func (a *App) setupLedger(ctx context.Context) (primer.JobStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("no database DSN configured, using in-memory job ledger")
		return memory.NewJobStore(), nil
	}
	var err error
	a.jobStore, err = pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("job ledger init failed: %w", err)
	}
	if err := a.jobStore.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("job ledger schema failed: %w", err)
	}
	a.logger.Info("postgres job ledger initialized", zap.String("table", a.cfg.DB.Table))
	return a.jobStore, nil
}

func (a *App) setupArchive(ctx context.Context) (primer.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcs.New(a.storage, gcs.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS result archive", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return store, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local result archive", zap.String("path", a.cfg.Archive.LocalDir))
		return store, nil
	case "memory":
		a.logger.Info("using in-memory result archive")
		return memory.NewBlobStore(), nil
	default:
		a.logger.Info("result archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (primer.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.publisher = gcppublisher.New(a.pubsubClient.Topic(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.publisher, nil
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// SweepOnce runs a single retention pass.
func (a *App) SweepOnce(ctx context.Context) (sweeper.Report, error) {
	return a.sweeper.SweepOnce(ctx)
}

// Run listens on the configured port and blocks until SIGINT/SIGTERM or ctx
// cancellation.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln alongside the sweeper until ctx is done,
// then shuts both down and releases resources.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.sweeper.Start(gctx)
		<-gctx.Done()
		a.logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if a.cancelRuns != nil {
			a.cancelRuns()
		}
		err := srv.Shutdown(shutdownCtx)
		if stopErr := a.sweeper.Stop(shutdownCtx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close gracefully releases infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	if a.cancelRuns != nil {
		a.cancelRuns()
	}
	var errs []error
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client close: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.jobStore != nil {
		a.jobStore.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
