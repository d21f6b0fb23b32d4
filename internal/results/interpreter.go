// Package results turns a job workspace into the client-facing job view.
//
// Resolution order, first match wins:
//  1. an error artifact exists: the job failed and the artifact is the message;
//  2. the job metadata records a timeout or failure: that status is final and
//     any partial summary left by the killed run is ignored;
//  3. the summary table is missing: the job is pending;
//  4. otherwise the summary table is parsed and the job is completed.
//
// The summary table is tab separated. Its first line names the columns; every
// later non-blank line becomes one record. Rows shorter than the header are
// padded with empty cells and cells beyond the last header are dropped.
package results

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JakeFAU/kasp-primer-api/internal/primer"
	"github.com/JakeFAU/kasp-primer-api/internal/workspace"
)

const maxLineBytes = 4 << 20

// TimeoutMessage is reported for jobs whose pipeline run hit the deadline.
const TimeoutMessage = "pipeline did not finish within the time limit"

// Interpret derives the job view from the artifacts in dir.
func Interpret(dir string) (primer.JobView, error) {
	// #nosec G304 -- dir is a validated job workspace.
	errText, err := os.ReadFile(filepath.Join(dir, primer.ErrorFile))
	switch {
	case err == nil:
		return primer.JobView{Status: primer.JobStatusFailed, Error: string(errText)}, nil
	case !errors.Is(err, fs.ErrNotExist):
		return primer.JobView{}, fmt.Errorf("read error artifact: %w", err)
	}

	if view, done := terminalView(dir); done {
		return view, nil
	}

	// #nosec G304 -- dir is a validated job workspace.
	f, err := os.Open(filepath.Join(dir, primer.SummaryFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return primer.JobView{Status: primer.JobStatusPending}, nil
		}
		return primer.JobView{}, fmt.Errorf("open summary: %w", err)
	}
	defer f.Close()

	columns, records, err := ParseSummary(f)
	if err != nil {
		return primer.JobView{}, err
	}
	return primer.JobView{
		Status:  primer.JobStatusCompleted,
		Columns: columns,
		Results: records,
	}, nil
}

// terminalView reports the status recorded for runs that were cut off or
// failed without leaving an error artifact.
func terminalView(dir string) (primer.JobView, bool) {
	job, err := workspace.ReadMetadata(dir)
	if err != nil {
		return primer.JobView{}, false
	}
	switch job.Status {
	case primer.JobStatusTimeout:
		return primer.JobView{Status: primer.JobStatusTimeout, Error: TimeoutMessage}, true
	case primer.JobStatusFailed:
		return primer.JobView{Status: primer.JobStatusFailed, Error: job.ErrorText}, true
	default:
		return primer.JobView{}, false
	}
}

// ParseSummary reads a tab-separated table. An empty input yields no columns
// and no records.
func ParseSummary(r io.Reader) ([]string, []primer.ResultRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	records := []primer.ResultRecord{}
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, nil, fmt.Errorf("read summary header: %w", err)
		}
		return []string{}, records, nil
	}
	columns := headerColumns(scanner.Text())

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		cells := strings.Split(line, "\t")
		record := make(primer.ResultRecord, len(columns))
		for i, col := range columns {
			if i < len(cells) {
				record[col] = cells[i]
			} else {
				record[col] = ""
			}
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read summary: %w", err)
	}
	return columns, records, nil
}

// headerColumns splits the header row, renaming repeated names to name.1,
// name.2, ... so that no column is lost when rows become maps.
func headerColumns(line string) []string {
	raw := strings.Split(strings.TrimRight(line, "\r"), "\t")
	columns := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, name := range raw {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = name + "." + strconv.Itoa(n+1)
		} else {
			seen[name] = 0
		}
		columns[i] = name
	}
	return columns
}
