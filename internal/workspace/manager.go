// Package workspace allocates and manages per-job directories on the local
// filesystem. Each job owns exactly one directory named after its id under the
// configured base directory; the directory holds the pipeline input, the
// pipeline outputs, and a small metadata document owned by this service.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kasp-primer-api/internal/logging"
	"github.com/JakeFAU/kasp-primer-api/internal/primer"
)

// validJobID bounds the identities accepted from callers so that a job id can
// never name anything outside the base directory.
var validJobID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

const createAttempts = 3

// Config captures the parameters for the workspace manager.
type Config struct {
	// BaseDir is the root directory where job workspaces are created.
	BaseDir string `mapstructure:"dir" yaml:"dir"`
}

// Entry describes an existing workspace found on disk.
type Entry struct {
	JobID   string
	Path    string
	Created time.Time
}

// Manager creates, inspects, and removes job workspaces.
type Manager struct {
	baseDir string
	ids     primer.IDGenerator
	clock   primer.Clock
	logger  *zap.Logger
}

// New creates a Manager rooted at cfg.BaseDir, creating the directory if needed
// and verifying that it is writable.
func New(cfg Config, ids primer.IDGenerator, clock primer.Clock, logger *zap.Logger) (*Manager, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Manager{
		baseDir: filepath.Clean(cfg.BaseDir),
		ids:     ids,
		clock:   clock,
		logger:  logging.OrNop(logger),
	}, nil
}

// BaseDir returns the workspace root.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Create allocates a new job identity and an empty directory for it, and
// records the pending job metadata. The directory is created with Mkdir so an
// existing directory is never reused.
func (m *Manager) Create(_ context.Context, genome string, snpCount int) (primer.Job, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		id, err := m.ids.NewID()
		if err != nil {
			return primer.Job{}, &primer.StorageError{Op: "generate job id", Err: err}
		}
		if !validJobID.MatchString(id) {
			return primer.Job{}, &primer.StorageError{Op: "generate job id", Err: primer.ErrInvalidJobID}
		}
		dir := filepath.Join(m.baseDir, id)
		if err := os.Mkdir(dir, 0o750); err != nil {
			if errors.Is(err, fs.ErrExist) {
				m.logger.Warn("job id collision, retrying", zap.String("job_id", id))
				lastErr = fmt.Errorf("%w: %s", primer.ErrJobExists, id)
				continue
			}
			return primer.Job{}, &primer.StorageError{Op: "create workspace", Err: err}
		}
		job := primer.Job{
			ID:        id,
			Genome:    genome,
			Workspace: dir,
			Created:   m.clock.Now(),
			Status:    primer.JobStatusPending,
			SNPCount:  snpCount,
		}
		if err := m.writeMetadata(dir, job); err != nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				m.logger.Warn("failed to remove half-created workspace", zap.String("job_id", id), zap.Error(rmErr))
			}
			return primer.Job{}, &primer.StorageError{Op: "write metadata", Err: err}
		}
		m.logger.Debug("workspace created", zap.String("job_id", id), zap.String("path", dir))
		return job, nil
	}
	return primer.Job{}, &primer.StorageError{Op: "create workspace", Err: lastErr}
}

// WriteInput persists the raw SNP batch as the pipeline input artifact and
// returns its path. It refuses to overwrite an existing input.
func (m *Manager) WriteInput(job primer.Job, content string) (string, error) {
	path := filepath.Join(job.Workspace, primer.InputFile)
	// #nosec G304 -- path is derived from a validated job workspace.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", &primer.StorageError{Op: "write input", Err: err}
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return "", &primer.StorageError{Op: "write input", Err: err}
	}
	if err := f.Close(); err != nil {
		return "", &primer.StorageError{Op: "write input", Err: err}
	}
	return path, nil
}

// PathOf derives the workspace path for jobID without touching the disk.
func (m *Manager) PathOf(jobID string) (string, error) {
	if !validJobID.MatchString(jobID) {
		return "", fmt.Errorf("%w: %q", primer.ErrInvalidJobID, jobID)
	}
	return filepath.Join(m.baseDir, jobID), nil
}

// Lookup returns the workspace path for jobID if the directory exists.
func (m *Manager) Lookup(jobID string) (string, error) {
	dir, err := m.PathOf(jobID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", primer.ErrJobNotFound, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", primer.ErrJobNotFound, jobID)
		}
		return "", fmt.Errorf("stat workspace: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", primer.ErrJobNotFound, jobID)
	}
	return dir, nil
}

// WriteError persists the full pipeline error output.
func (m *Manager) WriteError(dir string, content string) error {
	if err := os.WriteFile(filepath.Join(dir, primer.ErrorFile), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write error artifact: %w", err)
	}
	return nil
}

// Finish records the terminal status of a job in its metadata. A job whose
// status is already terminal is left untouched and ErrStatusTransition is
// returned.
func (m *Manager) Finish(dir string, status primer.JobStatus, errText string) (primer.Job, error) {
	if !status.Terminal() {
		return primer.Job{}, fmt.Errorf("finish with non-terminal status %q", status)
	}
	job, err := ReadMetadata(dir)
	if err != nil {
		return primer.Job{}, err
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("%w: %s is %s", primer.ErrStatusTransition, job.ID, job.Status)
	}
	finished := m.clock.Now()
	job.Status = status
	job.ErrorText = errText
	job.Finished = &finished
	job.PipelineTime = finished.Sub(job.Created).Seconds()
	if err := m.writeMetadata(dir, job); err != nil {
		return primer.Job{}, err
	}
	job.Workspace = dir
	return job, nil
}

// List returns every workspace under the base directory, oldest first.
// Entries that do not look like job workspaces are skipped.
func (m *Manager) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base directory: %w", err)
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() || !validJobID.MatchString(de.Name()) {
			continue
		}
		dir := filepath.Join(m.baseDir, de.Name())
		created, err := creationTime(dir, de)
		if err != nil {
			m.logger.Warn("skipping unreadable workspace", zap.String("path", dir), zap.Error(err))
			continue
		}
		entries = append(entries, Entry{JobID: de.Name(), Path: dir, Created: created})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Created.Before(entries[j].Created) })
	return entries, nil
}

// Remove recursively deletes the workspace for jobID.
func (m *Manager) Remove(jobID string) error {
	dir, err := m.PathOf(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", jobID, err)
	}
	return nil
}

// ReadMetadata loads the job metadata document from a workspace.
func ReadMetadata(dir string) (primer.Job, error) {
	// #nosec G304 -- path is derived from a validated job workspace.
	raw, err := os.ReadFile(filepath.Join(dir, primer.MetadataFile))
	if err != nil {
		return primer.Job{}, fmt.Errorf("read metadata: %w", err)
	}
	var job primer.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return primer.Job{}, fmt.Errorf("decode metadata: %w", err)
	}
	job.Workspace = dir
	return job, nil
}

func (m *Manager) writeMetadata(dir string, job primer.Job) error {
	raw, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".job-*.json")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, primer.MetadataFile)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// creationTime prefers the recorded creation timestamp and falls back to the
// directory modification time for workspaces without readable metadata.
func creationTime(dir string, de fs.DirEntry) (time.Time, error) {
	if job, err := ReadMetadata(dir); err == nil && !job.Created.IsZero() {
		return job.Created, nil
	}
	info, err := de.Info()
	if err != nil {
		return time.Time{}, fmt.Errorf("stat workspace: %w", err)
	}
	return info.ModTime().UTC(), nil
}
