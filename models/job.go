package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/howardjong/AgentPrice-sub011/services/providers"
)

// JobStatus represents the lifecycle state of a research job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusPolling   JobStatus = "polling"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimedOut  JobStatus = "timed_out"
)

// Terminal reports whether the status is final
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut:
		return true
	}
	return false
}

// ResearchJob tracks one asynchronous deep research request from
// submission to a terminal state. Fields are owned by the job service;
// callers only ever see snapshots. Terminal jobs are immutable: every
// transition method is a no-op once the job is terminal.
type ResearchJob struct {
	ID       string    `json:"id"`
	Query    string    `json:"query"`
	Provider string    `json:"provider"`
	Status   JobStatus `json:"status"`

	// PollRef is the provider's opaque handle for the in-flight request,
	// set when the job moves from pending to polling.
	PollRef *providers.PollReference `json:"poll_ref,omitempty"`

	// Attempts counts poll calls made so far.
	Attempts int `json:"attempts"`

	CreatedAt    time.Time  `json:"created_at"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Result and ErrorMessage are mutually exclusive terminal payloads.
	Result       *providers.QueryResponse `json:"result,omitempty"`
	ErrorMessage *string                  `json:"error_message,omitempty"`
}

// NewResearchJob creates a new ResearchJob instance
func NewResearchJob(query, provider string) *ResearchJob {
	return &ResearchJob{
		ID:        uuid.New().String(),
		Query:     query,
		Provider:  provider,
		Status:    JobStatusPending,
		CreatedAt: time.Now(),
	}
}

// MarkPolling records the provider's poll reference and moves the job
// from pending to polling
func (j *ResearchJob) MarkPolling(ref providers.PollReference) {
	if j.Terminal() {
		return
	}
	j.Status = JobStatusPolling
	j.PollRef = &ref
}

// RecordPollAttempt counts one poll call against the job
func (j *ResearchJob) RecordPollAttempt() {
	if j.Terminal() {
		return
	}
	j.Attempts++
	now := time.Now()
	j.LastPolledAt = &now
}

// MarkCompleted marks the job as completed with its result
func (j *ResearchJob) MarkCompleted(result *providers.QueryResponse) {
	if j.Terminal() {
		return
	}
	j.Status = JobStatusCompleted
	j.Result = result
	now := time.Now()
	j.CompletedAt = &now
}

// MarkFailed marks the job as failed
func (j *ResearchJob) MarkFailed(reason string) {
	if j.Terminal() {
		return
	}
	j.Status = JobStatusFailed
	j.ErrorMessage = &reason
	now := time.Now()
	j.CompletedAt = &now
}

// MarkTimedOut marks the job as timed out after exhausting its poll
// attempts
func (j *ResearchJob) MarkTimedOut() {
	if j.Terminal() {
		return
	}
	j.Status = JobStatusTimedOut
	reason := fmt.Sprintf("no result after %d poll attempts", j.Attempts)
	j.ErrorMessage = &reason
	now := time.Now()
	j.CompletedAt = &now
}

// Terminal reports whether the job has reached a final state
func (j *ResearchJob) Terminal() bool {
	return j.Status.Terminal()
}

// Snapshot returns a defensive copy safe to hand outside the owning
// service. The Result pointer is shared: it is written once at
// completion and never mutated after.
func (j *ResearchJob) Snapshot() *ResearchJob {
	out := *j
	if j.PollRef != nil {
		ref := *j.PollRef
		out.PollRef = &ref
	}
	if j.LastPolledAt != nil {
		t := *j.LastPolledAt
		out.LastPolledAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		out.ErrorMessage = &msg
	}
	return &out
}
