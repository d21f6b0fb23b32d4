// Package pipeline runs the external snp-primer pipeline for a single job and
// classifies how the run ended.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/kasp-primer-api/internal/logging"
	"github.com/JakeFAU/kasp-primer-api/internal/primer"
)

// ToolMissingMessage is reported when the pipeline binary cannot be resolved.
const ToolMissingMessage = "snp-primer command not found. Please install SNP_Primer_Pipeline3."

// Defaults applied when Config leaves a field unset.
const (
	DefaultBinary       = "snp-primer"
	DefaultTimeout      = 300 * time.Second
	DefaultExcerptChars = 500
	defaultWaitDelay    = 5 * time.Second
)

// Kind classifies how a pipeline run ended.
type Kind string

// Outcome kinds. ToolMissing is reported to clients as a failure.
const (
	KindCompleted   Kind = "completed"
	KindFailed      Kind = "failed"
	KindTimeout     Kind = "timeout"
	KindToolMissing Kind = "tool_missing"
)

// Status maps the outcome kind onto the job status it produces.
func (k Kind) Status() primer.JobStatus {
	switch k {
	case KindCompleted:
		return primer.JobStatusCompleted
	case KindTimeout:
		return primer.JobStatusTimeout
	default:
		return primer.JobStatusFailed
	}
}

// Config controls Invoker behavior.
type Config struct {
	Binary       string
	Timeout      time.Duration
	ExcerptChars int
	// WaitDelay bounds how long Wait may block on output pipes after the
	// process group has been killed.
	WaitDelay time.Duration
}

// Request describes one pipeline run.
type Request struct {
	InputPath  string
	GenomePath string
	OutputDir  string
	// Timeout overrides Config.Timeout when positive.
	Timeout time.Duration
}

// Outcome is the classified result of a pipeline run.
type Outcome struct {
	Kind     Kind
	Excerpt  string
	Stderr   string
	Stdout   string
	ExitCode int
	Duration time.Duration
}

// Status returns the job status for the outcome.
func (o Outcome) Status() primer.JobStatus {
	return o.Kind.Status()
}

// Invoker spawns the pipeline as a child process in its own process group.
type Invoker struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs an Invoker.
func New(cfg Config, logger *zap.Logger) *Invoker {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ExcerptChars <= 0 {
		cfg.ExcerptChars = DefaultExcerptChars
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	return &Invoker{cfg: cfg, logger: logging.OrNop(logger)}
}

// Run executes `<binary> <input> <genome> -o <outputDir>` and waits for it to
// finish or for the timeout to elapse. On timeout the whole process group is
// killed. A non-nil error is returned only when the request is unusable; every
// process outcome, including a missing binary, is reported through Outcome.
func (i *Invoker) Run(ctx context.Context, req Request) (Outcome, error) {
	if req.InputPath == "" || req.GenomePath == "" || req.OutputDir == "" {
		return Outcome{}, fmt.Errorf("input, genome and output paths are required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = i.cfg.Timeout
	}
	logger := i.logger.With(zap.String("output_dir", req.OutputDir))

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 -- binary is operator configuration; arguments are service-owned paths.
	cmd := exec.CommandContext(runCtx, i.cfg.Binary, req.InputPath, req.GenomePath, "-o", req.OutputDir)
	configureProcessGroup(cmd)
	cmd.WaitDelay = i.cfg.WaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		out := Outcome{Duration: time.Since(start), ExitCode: -1}
		if isToolMissing(err) {
			logger.Error("pipeline binary not found", zap.String("binary", i.cfg.Binary), zap.Error(err))
			out.Kind = KindToolMissing
			out.Excerpt = ToolMissingMessage
			i.persistError(logger, req.OutputDir, ToolMissingMessage)
			return out, nil
		}
		logger.Error("pipeline start failed", zap.String("binary", i.cfg.Binary), zap.Error(err))
		msg := "pipeline could not be started"
		out.Kind = KindFailed
		out.Excerpt = msg
		i.persistError(logger, req.OutputDir, msg+": "+err.Error())
		return out, nil
	}
	logger.Debug("pipeline started", zap.Int("pid", cmd.Process.Pid), zap.Duration("timeout", timeout))

	waitErr := cmd.Wait()
	out := Outcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		ExitCode: exitCode(cmd),
	}

	switch {
	case waitErr == nil:
		out.Kind = KindCompleted
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		logger.Warn("pipeline timed out", zap.Duration("timeout", timeout))
		out.Kind = KindTimeout
	case ctx.Err() != nil:
		logger.Warn("pipeline interrupted", zap.Error(ctx.Err()))
		out.Kind = KindFailed
		out.Excerpt = "pipeline run was interrupted"
		i.persistError(logger, req.OutputDir, out.Excerpt)
	default:
		logger.Info("pipeline exited with error", zap.Int("exit_code", out.ExitCode), zap.Error(waitErr))
		out.Kind = KindFailed
		out.Excerpt = Excerpt(out.Stderr, i.cfg.ExcerptChars)
		i.persistError(logger, req.OutputDir, out.Stderr)
	}
	return out, nil
}

func (i *Invoker) persistError(logger *zap.Logger, dir string, content string) {
	path := filepath.Join(dir, primer.ErrorFile)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		logger.Error("failed to persist pipeline error", zap.String("path", path), zap.Error(err))
	}
}

// Excerpt returns at most n leading characters of s without splitting a rune.
func Excerpt(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for idx := range s {
		if count == n {
			return s[:idx]
		}
		count++
	}
	return s
}

func isToolMissing(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
