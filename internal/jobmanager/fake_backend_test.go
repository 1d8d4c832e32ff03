package jobmanager_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nixpig/udpjobs/internal/jobmanager/backend"
)

// fakeBackend is an in-memory backend. Each created job reports the statuses
// of its script on successive polls, repeating the last one.
type fakeBackend struct {
	// script returns the status script of the n-th created job. Defaults to
	// finishing on the second poll.
	script func(n int) []backend.RemoteStatus
	// reject, if set, fails CreateJob for requests it returns an error for.
	reject func(req backend.JobRequest) error
	// block, if set, makes CreateJob wait for it to be closed or ctx to end.
	block chan struct{}
	// pollFailures is the number of polls of each job that fail before its
	// script starts.
	pollFailures int

	mu        sync.Mutex
	created   []backend.JobRequest
	jobs      map[string][]backend.RemoteStatus
	polls     map[string]int
	failed    map[string]int
	cancelled []string
}

func (f *fakeBackend) CreateJob(ctx context.Context, req backend.JobRequest) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if f.reject != nil {
		if err := f.reject(req); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.jobs == nil {
		f.jobs = make(map[string][]backend.RemoteStatus)
		f.polls = make(map[string]int)
	}

	n := len(f.created)
	id := fmt.Sprintf("job-%d", n)

	script := []backend.RemoteStatus{
		backend.RemoteStatusRunning,
		backend.RemoteStatusFinished,
	}
	if f.script != nil {
		script = f.script(n)
	}

	f.created = append(f.created, req)
	f.jobs[id] = script

	return id, nil
}

func (f *fakeBackend) JobStatus(ctx context.Context, id string) (backend.JobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	script, ok := f.jobs[id]
	if !ok {
		return backend.JobInfo{}, errors.New("no such job")
	}

	if f.failed == nil {
		f.failed = make(map[string]int)
	}

	if f.failed[id] < f.pollFailures {
		f.failed[id]++
		return backend.JobInfo{}, errors.New("gateway timeout")
	}

	n := min(f.polls[id], len(script)-1)
	f.polls[id]++

	info := backend.JobInfo{ID: id, Status: script[n]}
	if info.Status == backend.RemoteStatusError {
		info.Message = "out of memory"
	}

	return info, nil
}

func (f *fakeBackend) CancelJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = append(f.cancelled, id)

	return nil
}

func (f *fakeBackend) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.created)
}

func (f *fakeBackend) requests() []backend.JobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]backend.JobRequest(nil), f.created...)
}

func (f *fakeBackend) cancelledJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.cancelled...)
}

// statusOnly is a backend that can't cancel jobs.
type statusOnly struct {
	f *fakeBackend
}

func (s statusOnly) CreateJob(ctx context.Context, req backend.JobRequest) (string, error) {
	return s.f.CreateJob(ctx, req)
}

func (s statusOnly) JobStatus(ctx context.Context, id string) (backend.JobInfo, error) {
	return s.f.JobStatus(ctx, id)
}
