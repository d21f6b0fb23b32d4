package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/kasp-primer-api/internal/config"
	"github.com/JakeFAU/kasp-primer-api/internal/primer"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	catalog := filepath.Join(dir, "genomes.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte(`genomes:
  - id: wheat_v1
    name: Wheat v1
    path: /data/wheat_v1.fa
`), 0o600))

	return config.Config{
		Server:    config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 60},
		Catalog:   config.CatalogConfig{Path: catalog},
		Workspace: config.WorkspaceConfig{Dir: filepath.Join(dir, "jobs")},
		Pipeline:  config.PipelineConfig{Binary: filepath.Join(dir, "missing-snp-primer"), TimeoutSeconds: 5, ExcerptChars: 500},
		Jobs:      config.JobsConfig{MaxSNPCount: 50},
		Retention: config.RetentionConfig{MaxAgeHours: 24, SweepIntervalMinutes: 60},
		Archive:   config.ArchiveConfig{Backend: "local", LocalDir: filepath.Join(dir, "archive"), Prefix: "jobs"},
	}
}

func TestBuildAndServe(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := fmt.Sprintf("http://%s", ln.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/api/design", "application/json",
		jsonBody(t, primer.DesignRequest{SNPs: "snp1", Genome: "wheat_v1"}))
	require.NoError(t, err)
	var res primer.SubmitResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, primer.JobStatusFailed, res.Status)
	assert.Equal(t, "snp-primer command not found. Please install SNP_Primer_Pipeline3.", res.Error)

	resp, err = http.Get(base + "/api/job/" + res.JobID)
	require.NoError(t, err)
	var view map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	_ = resp.Body.Close()
	assert.Equal(t, "failed", view["status"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.MaxAgeHours = 0
	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "invalid config")
}

func TestBuildRejectsMissingCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "absent.yaml")
	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "genome catalog")
}

func TestBuildSweeperRemovesExpiredWorkspaces(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Path = "unused.yaml"
	app, err := BuildSweeper(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	old := filepath.Join(cfg.Workspace.Dir, "old-job")
	require.NoError(t, os.Mkdir(old, 0o750))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	fresh := filepath.Join(cfg.Workspace.Dir, "fresh-job")
	require.NoError(t, os.Mkdir(fresh, 0o750))

	report, err := app.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old-job"}, report.Deleted)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}
