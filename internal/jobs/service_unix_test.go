//go:build unix

package jobs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kasp-primer-api/internal/clock/manual"
	"github.com/JakeFAU/kasp-primer-api/internal/genome"
	"github.com/JakeFAU/kasp-primer-api/internal/id/uuid"
	"github.com/JakeFAU/kasp-primer-api/internal/jobs"
	"github.com/JakeFAU/kasp-primer-api/internal/pipeline"
	"github.com/JakeFAU/kasp-primer-api/internal/primer"
	"github.com/JakeFAU/kasp-primer-api/internal/results"
	"github.com/JakeFAU/kasp-primer-api/internal/storage/memory"
	"github.com/JakeFAU/kasp-primer-api/internal/sweeper"
	"github.com/JakeFAU/kasp-primer-api/internal/workspace"
)

const fakePipeline = `#!/bin/sh
case "$2" in
*wheat_v1.fa) ;;
*) echo "unexpected genome $2" >&2; exit 2 ;;
esac
printf 'index\tproduct_size\n' > "$4/all_KASP_primers_summary.txt"
while read -r snp || [ -n "$snp" ]; do
	[ -n "$snp" ] && printf '%s\t80\n' "$snp" >> "$4/all_KASP_primers_summary.txt"
done < "$1"
cp "$4/all_KASP_primers_summary.txt" "$4/all_KASP_primers.txt"
`

func TestEndToEndDesignAndRetention(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "snp-primer")
	// #nosec G306 -- the fake pipeline must be executable.
	require.NoError(t, os.WriteFile(bin, []byte(fakePipeline), 0o700))

	catalogPath := filepath.Join(dir, "genomes.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(`genomes:
  - id: wheat_v1
    name: Wheat v1
    path: /data/wheat_v1.fa
`), 0o600))
	catalog, err := genome.NewFileCatalog(catalogPath)
	require.NoError(t, err)

	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clk := manual.New(start)
	mgr, err := workspace.New(workspace.Config{BaseDir: filepath.Join(dir, "jobs")}, uuid.New(), clk, nil)
	require.NoError(t, err)

	ledger := memory.NewJobStore()
	svc, err := jobs.New(jobs.Config{}, jobs.Deps{
		Catalog:    catalog,
		Workspaces: mgr,
		Runner:     pipeline.New(pipeline.Config{Binary: bin, Timeout: 10 * time.Second}, nil),
		Ledger:     ledger,
		Clock:      clk,
	})
	require.NoError(t, err)

	ctx := context.Background()
	res, err := svc.Submit(ctx, primer.DesignRequest{SNPs: "snp1\nsnp2", Genome: "wheat_v1"})
	require.NoError(t, err)
	require.Equal(t, primer.JobStatusCompleted, res.Status, res.Error)

	view, err := svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, primer.JobStatusCompleted, view.Status)
	require.Len(t, view.Results, 2)
	assert.Equal(t, primer.ResultRecord{"index": "snp1", "product_size": "80"}, view.Results[0])
	assert.Equal(t, primer.ResultRecord{"index": "snp2", "product_size": "80"}, view.Results[1])

	sw, err := sweeper.New(sweeper.Config{MaxAge: 24 * time.Hour, Clock: clk, Ledger: ledger}, mgr)
	require.NoError(t, err)

	clk.Set(start.Add(23 * time.Hour))
	_, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	_, err = svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	_, err = svc.Record(ctx, res.JobID)
	require.NoError(t, err)

	clk.Set(start.Add(25 * time.Hour))
	_, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	_, err = svc.Status(ctx, res.JobID)
	require.ErrorIs(t, err, primer.ErrJobNotFound)
	_, err = svc.Record(ctx, res.JobID)
	require.ErrorIs(t, err, primer.ErrJobNotFound)
	assert.Zero(t, ledger.Len())
}

const stallingPipeline = `#!/bin/sh
printf 'id\tprimer\nsnp1\tAC' > "$4/all_KASP_primers_summary.txt"
sleep 30
`

func TestTimedOutJobStaysTimedOutWithPartialSummary(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "snp-primer")
	// #nosec G306 -- the fake pipeline must be executable.
	require.NoError(t, os.WriteFile(bin, []byte(stallingPipeline), 0o700))

	mgr, err := workspace.New(workspace.Config{BaseDir: filepath.Join(dir, "jobs")}, uuid.New(), manual.New(time.Now()), nil)
	require.NoError(t, err)
	svc, err := jobs.New(jobs.Config{}, jobs.Deps{
		Catalog:    fakeCatalog{genomes: []primer.Genome{{ID: "wheat_v1", Name: "Wheat", Path: "/data/wheat_v1.fa"}}},
		Workspaces: mgr,
		Runner:     pipeline.New(pipeline.Config{Binary: bin, Timeout: 300 * time.Millisecond}, nil),
		Clock:      manual.New(time.Now()),
	})
	require.NoError(t, err)

	ctx := context.Background()
	res, err := svc.Submit(ctx, primer.DesignRequest{SNPs: "snp1", Genome: "wheat_v1"})
	require.NoError(t, err)
	require.Equal(t, primer.JobStatusTimeout, res.Status)

	view, err := svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, primer.JobStatusTimeout, view.Status)
	assert.Equal(t, results.TimeoutMessage, view.Error)
	assert.Empty(t, view.Results)
}
