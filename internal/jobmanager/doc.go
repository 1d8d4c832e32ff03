// Package jobmanager runs one batch job per row of a job table on remote
// processing backends.
//
// Each row holds the parameters of one run of a user-defined process. A
// Manager turns rows into job requests, submits them while respecting each
// backend's concurrency limit, polls their status to completion and persists
// the table after every transition, so an interrupted run can be resumed
// without resubmitting finished work.
//
// Runs execute in the background; Stop cancels every row that hasn't
// finished.
package jobmanager
