// Package backend defines the capability a remote processing backend must
// provide for the job manager to submit and track jobs on it.
package backend

import "context"

// RemoteStatus is the status of a job as reported by a backend.
type RemoteStatus string

const (
	RemoteStatusCreated  RemoteStatus = "created"
	RemoteStatusQueued   RemoteStatus = "queued"
	RemoteStatusRunning  RemoteStatus = "running"
	RemoteStatusFinished RemoteStatus = "finished"
	RemoteStatusError    RemoteStatus = "error"
	RemoteStatusCanceled RemoteStatus = "canceled"
)

// JobRequest is everything needed to create a job for a single unit of work.
type JobRequest struct {
	// ProcessID is the id of the user-defined process to run.
	ProcessID string
	// Namespace is where the backend resolves ProcessID, typically a URL to
	// the process definition.
	Namespace string
	// Arguments are the normalized process arguments, ready for JSON encoding.
	Arguments map[string]any

	Title       string
	Description string

	// JobOptions are backend specific options passed through as-is.
	JobOptions map[string]any
}

// JobInfo is a point in time view of a remote job.
type JobInfo struct {
	ID     string
	Status RemoteStatus
	// Message carries the failure reason when Status is RemoteStatusError.
	Message string
}

// Backend creates jobs and reports their status.
type Backend interface {
	// CreateJob creates the job described by req and queues it for execution,
	// returning the backend's job id. A non-nil id may be returned alongside an
	// error when the job was created but could not be started.
	CreateJob(ctx context.Context, req JobRequest) (string, error)

	// JobStatus returns the current status of the job with the given id.
	JobStatus(ctx context.Context, id string) (JobInfo, error)
}

// Canceller is implemented by backends that can cancel a running job.
type Canceller interface {
	CancelJob(ctx context.Context, id string) error
}
