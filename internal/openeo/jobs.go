package openeo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nixpig/udpjobs/internal/jobmanager/backend"
)

var (
	_ backend.Backend   = (*Client)(nil)
	_ backend.Canceller = (*Client)(nil)
)

// maxLogMessages is how many error log entries make up the failure reason of
// a job.
const maxLogMessages = 3

type processNode struct {
	ProcessID string         `json:"process_id"`
	Namespace string         `json:"namespace,omitempty"`
	Arguments map[string]any `json:"arguments"`
	Result    bool           `json:"result"`
}

type createJobBody struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Process     processGraph   `json:"process"`
	JobOptions  map[string]any `json:"job_options,omitempty"`
}

type processGraph struct {
	ProcessGraph map[string]processNode `json:"process_graph"`
}

type jobMetadata struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type logEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type logsResponse struct {
	Logs []logEntry `json:"logs"`
}

// CreateJob creates a batch job running the process of req as its single
// node and queues it for processing. When the job was created but can't be
// queued, its id is returned together with the error.
func (c *Client) CreateJob(ctx context.Context, req backend.JobRequest) (string, error) {
	if req.ProcessID == "" {
		return "", errors.New("process id cannot be empty")
	}

	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}

	body := createJobBody{
		Title:       req.Title,
		Description: req.Description,
		Process: processGraph{
			ProcessGraph: map[string]processNode{
				nodeID(req.ProcessID): {
					ProcessID: req.ProcessID,
					Namespace: req.Namespace,
					Arguments: args,
					Result:    true,
				},
			},
		},
		JobOptions: req.JobOptions,
	}

	header, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/jobs",
		body:   body,
		want:   []int{http.StatusCreated},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	id := header.Get(identifierHeader)
	if id == "" {
		id = idFromLocation(header.Get("Location"))
	}

	if id == "" {
		return "", errors.New("create job: backend returned no job id")
	}

	if _, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/jobs/" + url.PathEscape(id) + "/results",
		want:   []int{http.StatusAccepted},
	}, nil); err != nil {
		return id, fmt.Errorf("start job %s: %w", id, err)
	}

	c.logger.Debug("created job", "job_id", id, "process_id", req.ProcessID)

	return id, nil
}

// JobStatus returns the status of the job. The failure reason of a failed
// job is taken from its error logs.
func (c *Client) JobStatus(ctx context.Context, id string) (backend.JobInfo, error) {
	var meta jobMetadata

	if _, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/jobs/" + url.PathEscape(id),
	}, &meta); err != nil {
		return backend.JobInfo{}, fmt.Errorf("get job %s: %w", id, err)
	}

	info := backend.JobInfo{ID: id, Status: remoteStatus(meta.Status)}

	if info.Status == backend.RemoteStatusError {
		msg, err := c.errorReason(ctx, id)
		if err != nil {
			c.logger.Warn("get job logs", "job_id", id, "err", err)
		}

		info.Message = msg
	}

	return info, nil
}

// CancelJob stops processing of the job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	if _, err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   "/jobs/" + url.PathEscape(id) + "/results",
		want:   []int{http.StatusNoContent, http.StatusOK},
	}, nil); err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}

	return nil
}

func (c *Client) errorReason(ctx context.Context, id string) (string, error) {
	var logs logsResponse

	if _, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/jobs/" + url.PathEscape(id) + "/logs",
		query:  url.Values{"level": {"error"}},
	}, &logs); err != nil {
		return "", err
	}

	var messages []string
	for _, entry := range logs.Logs {
		if entry.Level != "" && entry.Level != "error" {
			continue
		}

		messages = append(messages, strings.TrimSpace(entry.Message))
		if len(messages) == maxLogMessages {
			break
		}
	}

	return strings.Join(messages, "; "), nil
}

// remoteStatus maps an openEO job status. Unknown statuses are treated as
// still queued so the job keeps being polled.
func remoteStatus(s string) backend.RemoteStatus {
	switch strings.ToLower(s) {
	case "created":
		return backend.RemoteStatusCreated
	case "running":
		return backend.RemoteStatusRunning
	case "finished":
		return backend.RemoteStatusFinished
	case "error":
		return backend.RemoteStatusError
	case "canceled", "cancelled":
		return backend.RemoteStatusCanceled
	default:
		return backend.RemoteStatusQueued
	}
}

// nodeID derives a process graph node id from a process id.
func nodeID(processID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(processID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	if b.Len() == 0 {
		b.WriteString("process")
	}

	b.WriteString("1")

	return b.String()
}

func idFromLocation(location string) string {
	location = strings.TrimRight(location, "/")
	if i := strings.LastIndex(location, "/jobs/"); i >= 0 {
		return location[i+len("/jobs/"):]
	}

	return ""
}
