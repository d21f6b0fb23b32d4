// Package sweeper periodically deletes job workspaces that have outlived the
// retention age.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kasp-primer-api/internal/logging"
	"github.com/JakeFAU/kasp-primer-api/internal/metrics"
	"github.com/JakeFAU/kasp-primer-api/internal/primer"
	"github.com/JakeFAU/kasp-primer-api/internal/workspace"
)

const (
	defaultMaxAge   = 24 * time.Hour
	defaultInterval = time.Hour
)

// Store is the subset of the workspace manager the sweeper needs.
type Store interface {
	List() ([]workspace.Entry, error)
	Remove(jobID string) error
}

// Ledger forgets jobs whose workspace was swept.
type Ledger interface {
	DeleteJob(ctx context.Context, jobID string) error
}

// Config controls retention and scheduling.
//   - MaxAge: workspaces older than this are deleted (default 24h).
//   - Interval: time between passes (default 1h).
//   - Clock: time source used to age workspaces.
//   - Ledger: optional job ledger cleaned up alongside each workspace.
//   - Logger: optional structured logger.
type Config struct {
	MaxAge   time.Duration
	Interval time.Duration
	Clock    primer.Clock
	Ledger   Ledger
	Logger   *zap.Logger
}

// Report summarizes one sweep pass.
type Report struct {
	Scanned int
	Deleted []string
	Failed  map[string]error
}

// Sweeper runs retention passes on a fixed interval between Start and Stop.
type Sweeper struct {
	cfg    Config
	store  Store
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// New constructs a Sweeper. It does not start the background loop.
func New(cfg Config, store Store) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("workspace store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Sweeper{
		cfg:    cfg,
		store:  store,
		logger: logging.OrNop(cfg.Logger),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// SweepOnce performs a single retention pass. Deletion failures are logged and
// reported but never stop the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	report := Report{Failed: map[string]error{}}
	entries, err := s.store.List()
	if err != nil {
		metrics.ObserveSweepError()
		return report, fmt.Errorf("list workspaces: %w", err)
	}
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.MaxAge)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("sweep interrupted: %w", err)
		}
		report.Scanned++
		if !entry.Created.Before(cutoff) {
			continue
		}
		if err := s.store.Remove(entry.JobID); err != nil {
			s.logger.Warn("failed to delete expired workspace",
				zap.String("job_id", entry.JobID),
				zap.Time("created_at", entry.Created),
				zap.Error(err),
			)
			report.Failed[entry.JobID] = err
			metrics.ObserveSweepError()
			continue
		}
		s.logger.Info("deleted expired workspace",
			zap.String("job_id", entry.JobID),
			zap.Time("created_at", entry.Created),
		)
		report.Deleted = append(report.Deleted, entry.JobID)
		metrics.ObserveSweepDeleted()
		s.forget(ctx, entry.JobID)
	}
	return report, nil
}

// forget drops the ledger entry of a swept job. The workspace is already
// gone, so a failure here only leaves a stale record behind.
func (s *Sweeper) forget(ctx context.Context, jobID string) {
	if s.cfg.Ledger == nil {
		return
	}
	if err := s.cfg.Ledger.DeleteJob(ctx, jobID); err != nil {
		s.logger.Warn("failed to delete job record", zap.String("job_id", jobID), zap.Error(err))
		metrics.ObserveSweepError()
	}
}

// Start launches the periodic loop. The first pass runs immediately. Calling
// Start more than once has no effect.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.run(ctx)
}

// Stop ends the loop and waits for an in-progress pass to finish or for ctx
// to expire. It is safe to call multiple times, and before Start.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.once.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweeper stop wait: %w", ctx.Err())
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("retention sweeper started",
		zap.Duration("max_age", s.cfg.MaxAge),
		zap.Duration("interval", s.cfg.Interval),
	)
	for {
		s.pass(ctx)
		select {
		case <-ticker.C:
		case <-s.stopCh:
			s.logger.Info("retention sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped", zap.Error(ctx.Err()))
			return
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	report, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	s.logger.Debug("retention sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("deleted", len(report.Deleted)),
		zap.Int("failed", len(report.Failed)),
	)
}
