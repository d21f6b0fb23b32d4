package genome

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kasp-primer-api/internal/primer"
)

const sampleCatalog = `
genomes:
  - id: wheat_v1
    name: Chinese Spring v1.0
    path: /data/genomes/wheat_v1.fa
    species: Triticum aestivum
  - id: barley_v2
    name: Morex v2
    path: /data/genomes/barley_v2.fa
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genomes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFileCatalogListAndLookup(t *testing.T) {
	t.Parallel()

	catalog, err := NewFileCatalog(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	genomes, err := catalog.List()
	require.NoError(t, err)
	require.Len(t, genomes, 2)
	assert.Equal(t, "wheat_v1", genomes[0].ID)
	assert.Equal(t, "Triticum aestivum", genomes[0].Species)
	assert.Equal(t, "/data/genomes/barley_v2.fa", genomes[1].Path)

	g, err := catalog.Lookup("barley_v2")
	require.NoError(t, err)
	assert.Equal(t, "Morex v2", g.Name)

	_, err = catalog.Lookup("rice")
	require.ErrorIs(t, err, primer.ErrGenomeNotFound)
}

func TestFileCatalogListReturnsCopy(t *testing.T) {
	t.Parallel()

	catalog, err := NewFileCatalog(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	first, err := catalog.List()
	require.NoError(t, err)
	first[0].ID = "mutated"

	second, err := catalog.List()
	require.NoError(t, err)
	assert.Equal(t, "wheat_v1", second[0].ID)
}

func TestFileCatalogReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := writeCatalog(t, sampleCatalog)
	catalog, err := NewFileCatalog(path)
	require.NoError(t, err)

	updated := sampleCatalog + `  - id: maize_b73
    name: B73 v5
    path: /data/genomes/maize.fa
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	g, err := catalog.Lookup("maize_b73")
	require.NoError(t, err)
	assert.Equal(t, "B73 v5", g.Name)
}

func TestNewFileCatalogErrors(t *testing.T) {
	t.Parallel()

	_, err := NewFileCatalog("")
	require.Error(t, err)

	_, err = NewFileCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = NewFileCatalog(writeCatalog(t, "genomes: [unterminated"))
	require.Error(t, err)
}

func TestParseValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing id", "genomes:\n  - path: /x.fa\n", "id is required"},
		{"missing path", "genomes:\n  - id: a\n", "path is required"},
		{"duplicate id", "genomes:\n  - id: a\n    path: /a\n  - id: a\n    path: /b\n", "duplicate id"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseEmptyCatalog(t *testing.T) {
	t.Parallel()

	genomes, err := Parse([]byte("other: true\n"))
	require.NoError(t, err)
	assert.NotNil(t, genomes)
	assert.Empty(t, genomes)
}
