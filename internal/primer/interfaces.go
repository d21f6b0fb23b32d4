package primer

import (
	"context"
	"io"
	"time"
)

// JobStore records job metadata alongside the workspace.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, finished time.Time) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// DeleteJob forgets a job. Deleting an unknown job is not an error.
	DeleteJob(ctx context.Context, jobID string) error
}

// BlobStore writes archived artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// GenomeCatalog resolves genome ids to descriptors.
type GenomeCatalog interface {
	List() ([]Genome, error)
	Lookup(id string) (Genome, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
