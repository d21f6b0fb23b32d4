package primer

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the job subsystems.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidJobID      = errors.New("invalid job id")
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrArtifactForbidden = errors.New("artifact not downloadable")
	ErrGenomeNotFound    = errors.New("genome not found")
	ErrStatusTransition  = errors.New("job status already final")
)

// ValidationError reports a client input problem. No job is created.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// StorageError reports a workspace creation or write failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
