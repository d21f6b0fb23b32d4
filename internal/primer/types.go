package primer

import "time"

// JobStatus represents the lifecycle state of a design job.
type JobStatus string

// Job status values. Pending is the only non-terminal state.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimeout   JobStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimeout:
		return true
	default:
		return false
	}
}

// Workspace artifact names. These are a contract with the external pipeline.
const (
	InputFile    = "input.txt"
	SummaryFile  = "all_KASP_primers_summary.txt"
	DetailFile   = "all_KASP_primers.txt"
	ErrorFile    = "error.log"
	MetadataFile = "job.json"
)

// DownloadableArtifacts lists the only files clients may fetch from a workspace.
var DownloadableArtifacts = []string{DetailFile, SummaryFile}

// IsDownloadable reports whether name is on the download allow-list.
func IsDownloadable(name string) bool {
	for _, allowed := range DownloadableArtifacts {
		if name == allowed {
			return true
		}
	}
	return false
}

// Genome describes a reference genome from the static catalog.
type Genome struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Path        string `json:"path" yaml:"path"`
	Species     string `json:"species,omitempty" yaml:"species,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Job is the metadata kept for each accepted design request.
type Job struct {
	ID           string     `json:"id"`
	Genome       string     `json:"genome"`
	Workspace    string     `json:"-"`
	Created      time.Time  `json:"created_at"`
	Finished     *time.Time `json:"finished_at,omitempty"`
	Status       JobStatus  `json:"status"`
	ErrorText    string     `json:"error_text,omitempty"`
	SNPCount     int        `json:"snp_count"`
	PipelineTime float64    `json:"pipeline_seconds,omitempty"`
}

// ResultRecord is one row of the summary table keyed by column header.
type ResultRecord map[string]string

// JobView is the client-facing state of a job derived from its workspace.
type JobView struct {
	Status  JobStatus      `json:"status"`
	Columns []string       `json:"columns,omitempty"`
	Results []ResultRecord `json:"results,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// DesignRequest is the payload accepted by the submission endpoint.
type DesignRequest struct {
	SNPs   string `json:"snps"`
	Genome string `json:"genome"`
}

// SubmitResult is returned once a submission's pipeline run has finished.
type SubmitResult struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// CompletionEvent is published after every pipeline invocation.
type CompletionEvent struct {
	JobID    string    `json:"job_id"`
	Genome   string    `json:"genome"`
	Status   JobStatus `json:"status"`
	Finished time.Time `json:"finished_at"`

	// Artifacts maps archived file names to their SHA-256 hex digest.
	Artifacts map[string]string `json:"artifacts,omitempty"`
}
