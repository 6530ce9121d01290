package domain

import "time"

// Step names one pipeline stage handler invocation.
type Step string

const (
	StepAnalyze       Step = "analyze"
	StepGenerateDraft Step = "generate_draft"
	StepUploadMedia   Step = "upload_media"
	StepPublish       Step = "publish"
	StepNotify        Step = "notify"
)

// Outcome is the classified result of one step attempt. The engine only
// understands these three values; raw errors never cross into it.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomeFatalFailure     Outcome = "fatal_failure"
)

// Stage is the workflow state machine position.
type Stage string

const (
	StageReceived      Stage = "received"
	StageAnalyzed      Stage = "analyzed"
	StageDrafted       Stage = "drafted"
	StageMediaResolved Stage = "media_resolved"
	StagePublished     Stage = "published"
	StageNotified      Stage = "notified" // terminal success
	StageAborted       Stage = "aborted"  // terminal failure
)

// Terminal reports whether s ends a workflow run.
func (s Stage) Terminal() bool {
	return s == StageNotified || s == StageAborted
}

type WorkflowStatus string

const (
	StatusRunning   WorkflowStatus = "running"
	StatusSucceeded WorkflowStatus = "succeeded"
	StatusFailed    WorkflowStatus = "failed"
)

// StepResult records one attempt of one step. History entries are append-only:
// a retried step gets a new entry per attempt, never an overwrite.
type StepResult struct {
	Step    Step
	Outcome Outcome
	Attempt int // 1-based attempt number for this step
	Data    string
	Err     string
	At      time.Time
	Elapsed time.Duration
}

// WorkflowState tracks one pipeline run over exactly one flushed batch.
type WorkflowState struct {
	ID      string
	Batch   UserBatch
	Stage   Stage
	History []StepResult
	Retries map[Step]int
	Status  WorkflowStatus

	// Accumulated step outputs.
	Seed    *DraftSeed
	Draft   *Draft
	Media   []HostedMedia
	Locator string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Append records a step attempt and bumps UpdatedAt.
func (w *WorkflowState) Append(r StepResult) {
	w.History = append(w.History, r)
	w.UpdatedAt = r.At
}

// LastFailure returns the most recent non-success history entry, if any.
func (w *WorkflowState) LastFailure() (StepResult, bool) {
	for i := len(w.History) - 1; i >= 0; i-- {
		if w.History[i].Outcome != OutcomeSuccess {
			return w.History[i], true
		}
	}
	return StepResult{}, false
}
