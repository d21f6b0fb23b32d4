package jobs_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kasp-primer-api/internal/clock/manual"
	"github.com/JakeFAU/kasp-primer-api/internal/hash/sha256"
	"github.com/JakeFAU/kasp-primer-api/internal/id/uuid"
	"github.com/JakeFAU/kasp-primer-api/internal/jobs"
	"github.com/JakeFAU/kasp-primer-api/internal/pipeline"
	"github.com/JakeFAU/kasp-primer-api/internal/primer"
	pubmemory "github.com/JakeFAU/kasp-primer-api/internal/publisher/memory"
	"github.com/JakeFAU/kasp-primer-api/internal/storage/memory"
	"github.com/JakeFAU/kasp-primer-api/internal/workspace"
)

const summary = "index\tproduct_size\tprimerL\nsnp1\t80\tACGT\nsnp2\t95\tTTGA\n"

type fakeCatalog struct {
	genomes []primer.Genome
}

func (c fakeCatalog) List() ([]primer.Genome, error) {
	return c.genomes, nil
}

func (c fakeCatalog) Lookup(id string) (primer.Genome, error) {
	for _, g := range c.genomes {
		if g.ID == id {
			return g, nil
		}
	}
	return primer.Genome{}, primer.ErrGenomeNotFound
}

type runFunc func(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)

func (f runFunc) Run(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	return f(ctx, req)
}

func completingRunner(t *testing.T) runFunc {
	return func(_ context.Context, req pipeline.Request) (pipeline.Outcome, error) {
		require.NoError(t, os.WriteFile(filepath.Join(req.OutputDir, primer.SummaryFile), []byte(summary), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(req.OutputDir, primer.DetailFile), []byte("detail"), 0o600))
		return pipeline.Outcome{Kind: pipeline.KindCompleted, Duration: 2 * time.Second}, nil
	}
}

type harness struct {
	svc     *jobs.Service
	base    string
	clock   *manual.Clock
	ledger  *memory.JobStore
	archive *memory.BlobStore
	events  *pubmemory.Publisher
}

func newHarness(t *testing.T, runner jobs.Runner) harness {
	t.Helper()
	base := filepath.Join(t.TempDir(), "kasp_jobs")
	clk := manual.New(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	mgr, err := workspace.New(workspace.Config{BaseDir: base}, uuid.New(), clk, nil)
	require.NoError(t, err)

	h := harness{
		base:    base,
		clock:   clk,
		ledger:  memory.NewJobStore(),
		archive: memory.NewBlobStore(),
		events:  pubmemory.New(),
	}
	h.svc, err = jobs.New(jobs.Config{MaxSNPCount: 50, ArchivePrefix: "jobs", Topic: "kasp-jobs"}, jobs.Deps{
		Catalog:    fakeCatalog{genomes: []primer.Genome{{ID: "wheat_v1", Name: "Wheat", Path: "/data/wheat_v1.fa"}}},
		Workspaces: mgr,
		Runner:     runner,
		Ledger:     h.ledger,
		Archive:    h.archive,
		Events:     h.events,
		Clock:      clk,
	})
	require.NoError(t, err)
	return h
}

func workspaceCount(t *testing.T, base string) int {
	t.Helper()
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	return len(entries)
}

func TestCountSNPs(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"snp1", 1},
		{"snp1\nsnp2", 2},
		{"\n  snp1  \n\n\t\nsnp2\n", 2},
		{"snp1\r\nsnp2\r\n", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, jobs.CountSNPs(tt.in), "input %q", tt.in)
	}
}

func TestSubmitCompleted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, completingRunner(t))
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, primer.DesignRequest{SNPs: "snp1\nsnp2", Genome: "wheat_v1"})
	require.NoError(t, err)
	assert.Equal(t, primer.JobStatusCompleted, res.Status)
	assert.Empty(t, res.Error)
	assert.True(t, uuid.Valid(res.JobID))

	input, err := os.ReadFile(filepath.Join(h.base, res.JobID, primer.InputFile))
	require.NoError(t, err)
	assert.Equal(t, "snp1\nsnp2", string(input))

	view, err := h.svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, primer.JobStatusCompleted, view.Status)
	assert.Equal(t, []string{"index", "product_size", "primerL"}, view.Columns)
	require.Len(t, view.Results, 2)
	assert.Equal(t, "snp2", view.Results[1]["index"])

	rec, err := h.svc.Record(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, primer.JobStatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.SNPCount)
	assert.Equal(t, "wheat_v1", rec.Genome)

	assert.Equal(t, []string{
		"jobs/" + res.JobID + "/" + primer.DetailFile,
		"jobs/" + res.JobID + "/" + primer.SummaryFile,
	}, h.archive.Paths())

	msgs := h.events.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "kasp-jobs", msgs[0].Topic)
	evt, ok := msgs[0].Payload.(primer.CompletionEvent)
	require.True(t, ok)
	assert.Equal(t, res.JobID, evt.JobID)
	assert.Equal(t, primer.JobStatusCompleted, evt.Status)
	detail, ok := h.archive.Object("jobs/" + res.JobID + "/" + primer.DetailFile)
	require.True(t, ok)
	assert.Equal(t, sha256.Hash(detail), evt.Artifacts[primer.DetailFile])
	assert.Len(t, evt.Artifacts, 2)
}

func TestSubmitTooManySNPsCreatesNoWorkspace(t *testing.T) {
	t.Parallel()
	called := false
	h := newHarness(t, runFunc(func(context.Context, pipeline.Request) (pipeline.Outcome, error) {
		called = true
		return pipeline.Outcome{}, nil
	}))

	snps := strings.Repeat("snp\n", 51)
	_, err := h.svc.Submit(context.Background(), primer.DesignRequest{SNPs: snps, Genome: "wheat_v1"})
	var verr *primer.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "50")
	assert.False(t, called)
	assert.Zero(t, workspaceCount(t, h.base))
}

func TestSubmitAtLimitIsAccepted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, completingRunner(t))

	snps := strings.Repeat("snp\n\n", 50)
	res, err := h.svc.Submit(context.Background(), primer.DesignRequest{SNPs: snps, Genome: "wheat_v1"})
	require.NoError(t, err)
	assert.Equal(t, primer.JobStatusCompleted, res.Status)
}

func TestSubmitUnknownGenome(t *testing.T) {
	t.Parallel()
	h := newHarness(t, completingRunner(t))

	_, err := h.svc.Submit(context.Background(), primer.DesignRequest{SNPs: "snp1", Genome: "maize"})
	var verr *primer.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, primer.ErrGenomeNotFound)
	assert.Equal(t, "genome maize does not exist", verr.Reason)
	assert.Zero(t, workspaceCount(t, h.base))
}

func TestSubmitFailedReportsExcerpt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, runFunc(func(_ context.Context, req pipeline.Request) (pipeline.Outcome, error) {
		require.NoError(t, os.WriteFile(filepath.Join(req.OutputDir, primer.ErrorFile), []byte("blast crashed\nmore"), 0o600))
		return pipeline.Outcome{Kind: pipeline.KindFailed, Excerpt: "blast crashed", ExitCode: 1}, nil
	}))
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, primer.DesignRequest{SNPs: "snp1", Genome: "wheat_v1"})
	require.NoError(t, err)
	assert.Equal(t, primer.JobStatusFailed, res.Status)
	assert.Equal(t, "blast crashed", res.Error)

	view, err := h.svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, primer.JobStatusFailed, view.Status)
	assert.Equal(t, "blast crashed\nmore", view.Error)
	assert.Empty(t, h.archive.Paths())
}

func TestSubmitTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, runFunc(func(context.Context, pipeline.Request) (pipeline.Outcome, error) {
		return pipeline.Outcome{Kind: pipeline.KindTimeout, Duration: 300 * time.Second}, nil
	}))
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, primer.DesignRequest{SNPs: "snp1", Genome: "wheat_v1"})
	require.NoError(t, err)
	assert.Equal(t, primer.JobStatusTimeout, res.Status)
	assert.Empty(t, res.Error)

	view, err := h.svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, primer.JobStatusTimeout, view.Status)

	msgs := h.events.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, primer.JobStatusTimeout, msgs[0].Payload.(primer.CompletionEvent).Status)
}

func TestSubmitRunsDetachedFromRequestContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t, runFunc(func(ctx context.Context, _ pipeline.Request) (pipeline.Outcome, error) {
		if ctx.Err() != nil {
			return pipeline.Outcome{Kind: pipeline.KindFailed, Excerpt: "interrupted"}, nil
		}
		return pipeline.Outcome{Kind: pipeline.KindTimeout}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.svc.Submit(ctx, primer.DesignRequest{SNPs: "snp1", Genome: "wheat_v1"})
	require.NoError(t, err)
	assert.Equal(t, primer.JobStatusTimeout, res.Status)
}

func TestSubmitRunnerError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, runFunc(func(context.Context, pipeline.Request) (pipeline.Outcome, error) {
		return pipeline.Outcome{}, errors.New("bad request")
	}))

	_, err := h.svc.Submit(context.Background(), primer.DesignRequest{SNPs: "snp1", Genome: "wheat_v1"})
	require.ErrorContains(t, err, "bad request")
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, completingRunner(t))

	_, err := h.svc.Status(context.Background(), "00000000-0000-4000-8000-000000000000")
	require.ErrorIs(t, err, primer.ErrJobNotFound)

	_, err = h.svc.Status(context.Background(), "../etc")
	require.ErrorIs(t, err, primer.ErrJobNotFound)
}

func TestDownload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, completingRunner(t))
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, primer.DesignRequest{SNPs: "snp1\nsnp2", Genome: "wheat_v1"})
	require.NoError(t, err)

	data, err := h.svc.Download(ctx, res.JobID, primer.SummaryFile)
	require.NoError(t, err)
	assert.Equal(t, summary, string(data))

	for _, name := range []string{"../input.txt", primer.InputFile, primer.ErrorFile, primer.MetadataFile, ""} {
		_, err = h.svc.Download(ctx, res.JobID, name)
		assert.ErrorIs(t, err, primer.ErrArtifactForbidden, "filename %q", name)
	}

	require.NoError(t, os.Remove(filepath.Join(h.base, res.JobID, primer.DetailFile)))
	_, err = h.svc.Download(ctx, res.JobID, primer.DetailFile)
	assert.ErrorIs(t, err, primer.ErrArtifactNotFound)

	_, err = h.svc.Download(ctx, "00000000-0000-4000-8000-000000000000", primer.DetailFile)
	assert.ErrorIs(t, err, primer.ErrArtifactNotFound)
}

func TestDownloadForbiddenWithoutWorkspace(t *testing.T) {
	t.Parallel()
	h := newHarness(t, completingRunner(t))

	_, err := h.svc.Download(context.Background(), "../..", "../input.txt")
	require.ErrorIs(t, err, primer.ErrArtifactForbidden)
}

func TestGenomesAndReady(t *testing.T) {
	t.Parallel()
	h := newHarness(t, completingRunner(t))

	genomes, err := h.svc.Genomes()
	require.NoError(t, err)
	require.Len(t, genomes, 1)
	assert.Equal(t, "wheat_v1", genomes[0].ID)

	require.NoError(t, h.svc.Ready())
	require.NoError(t, os.RemoveAll(h.base))
	require.Error(t, h.svc.Ready())
}

func TestNewValidation(t *testing.T) {
	_, err := jobs.New(jobs.Config{}, jobs.Deps{})
	require.Error(t, err)
}

func TestArchivePath(t *testing.T) {
	assert.Equal(t, "jobs/abc/all_KASP_primers.txt", jobs.ArchivePath("/jobs/", "abc", primer.DetailFile))
	assert.Equal(t, "abc/all_KASP_primers.txt", jobs.ArchivePath("", "abc", primer.DetailFile))
}
