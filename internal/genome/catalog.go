// Package genome loads the static reference genome catalog.
//
// The catalog is a YAML document with a top-level "genomes" list:
//
//	genomes:
//	  - id: wheat_v1
//	    name: Chinese Spring IWGSC v1.0
//	    path: /data/genomes/wheat_v1.fa
//
// The file is re-read whenever its modification time changes, so operators can
// add genomes without restarting the service.
package genome

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/kasp-primer-api/internal/primer"
)

type document struct {
	Genomes []primer.Genome `yaml:"genomes"`
}

// FileCatalog serves genome descriptors from a YAML file.
type FileCatalog struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	genomes []primer.Genome
}

// NewFileCatalog creates a catalog for path and performs an initial load.
func NewFileCatalog(path string) (*FileCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	c := &FileCatalog{path: path}
	if _, err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns all genomes in catalog order.
func (c *FileCatalog) List() ([]primer.Genome, error) {
	genomes, err := c.load()
	if err != nil {
		return nil, err
	}
	out := make([]primer.Genome, len(genomes))
	copy(out, genomes)
	return out, nil
}

// Lookup returns the genome with the given id.
func (c *FileCatalog) Lookup(id string) (primer.Genome, error) {
	genomes, err := c.load()
	if err != nil {
		return primer.Genome{}, err
	}
	for _, g := range genomes {
		if g.ID == id {
			return g, nil
		}
	}
	return primer.Genome{}, fmt.Errorf("%w: %s", primer.ErrGenomeNotFound, id)
}

func (c *FileCatalog) load() ([]primer.Genome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.path)
	if err != nil {
		return nil, fmt.Errorf("stat catalog: %w", err)
	}
	if c.genomes != nil && info.ModTime().Equal(c.modTime) && info.Size() == c.size {
		return c.genomes, nil
	}

	// #nosec G304 -- catalog path comes from operator configuration.
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	genomes, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	c.genomes = genomes
	c.modTime = info.ModTime()
	c.size = info.Size()
	return genomes, nil
}

// Parse decodes and validates a catalog document.
func Parse(raw []byte) ([]primer.Genome, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Genomes))
	var problems []error
	for i, g := range doc.Genomes {
		if strings.TrimSpace(g.ID) == "" {
			problems = append(problems, fmt.Errorf("genome %d: id is required", i))
			continue
		}
		if strings.TrimSpace(g.Path) == "" {
			problems = append(problems, fmt.Errorf("genome %s: path is required", g.ID))
		}
		if _, dup := seen[g.ID]; dup {
			problems = append(problems, fmt.Errorf("genome %s: duplicate id", g.ID))
		}
		seen[g.ID] = struct{}{}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid catalog: %w", errors.Join(problems...))
	}
	if doc.Genomes == nil {
		doc.Genomes = []primer.Genome{}
	}
	return doc.Genomes, nil
}
