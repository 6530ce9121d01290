// Package workflow drives one flushed batch through the publishing pipeline:
// analyze, draft, upload media, publish, notify. The state machine is an
// explicit transition table; step failures are classified by the retry
// controller and either re-invoked with backoff or abort the run.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pressbot/internal/bus"
	"pressbot/internal/domain"
	"pressbot/internal/retry"
)

// Media upload failure policies.
const (
	MediaPolicyDegrade = "degrade" // publish without the failed media
	MediaPolicyAbort   = "abort"   // treat the failure like any other step's
)

// Capabilities are the externally supplied step handlers, bound once at
// engine construction.
type Capabilities struct {
	Analyzer  domain.Analyzer
	Drafter   domain.DraftGenerator
	Uploader  domain.MediaUploader
	Publisher domain.Publisher
	Notifier  domain.Notifier
}

// Config wires an Engine.
type Config struct {
	Capabilities Capabilities
	Controller   *retry.Controller

	MaxRetriesPerStep int
	PerStepTimeout    time.Duration
	MediaPolicy       string // MediaPolicyDegrade | MediaPolicyAbort
	MaxConcurrent     int    // parallel workflows across users

	Archiver domain.Archiver // optional
	Events   *bus.EventBus   // optional
	Logger   *slog.Logger
}

// Engine runs workflows. Different users' workflows execute in parallel up to
// MaxConcurrent; within one workflow steps are strictly sequential.
type Engine struct {
	caps        Capabilities
	ctrl        *retry.Controller
	maxRetries  int
	stepTimeout time.Duration
	mediaPolicy string
	runCap      time.Duration

	archiver domain.Archiver
	events   *bus.EventBus
	logger   *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(cfg Config) (*Engine, error) {
	c := cfg.Capabilities
	if c.Analyzer == nil || c.Drafter == nil || c.Uploader == nil || c.Publisher == nil || c.Notifier == nil {
		return nil, errors.New("all five capabilities must be bound")
	}
	if cfg.Controller == nil {
		return nil, errors.New("retry controller is required")
	}
	if cfg.MaxRetriesPerStep < 0 {
		return nil, errors.New("maxRetriesPerStep must be >= 0")
	}
	if cfg.PerStepTimeout <= 0 {
		cfg.PerStepTimeout = 60 * time.Second
	}
	switch cfg.MediaPolicy {
	case MediaPolicyDegrade, MediaPolicyAbort:
	case "":
		cfg.MediaPolicy = MediaPolicyAbort
	default:
		return nil, fmt.Errorf("unknown media failure policy: %s", cfg.MediaPolicy)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		caps:        c,
		ctrl:        cfg.Controller,
		maxRetries:  cfg.MaxRetriesPerStep,
		stepTimeout: cfg.PerStepTimeout,
		mediaPolicy: cfg.MediaPolicy,
		archiver:    cfg.Archiver,
		events:      cfg.Events,
		logger:      cfg.Logger.With("component", "workflow.engine"),
		sem:         make(chan struct{}, cfg.MaxConcurrent),
	}
	e.runCap = e.wallClockCap()
	return e, nil
}

// wallClockCap bounds one whole run: every step retried to exhaustion with
// the largest backoff plus its timeout. A run exceeding this is stuck, not
// slow, and is forced to abort.
func (e *Engine) wallClockCap() time.Duration {
	const stepCount = 5 // four pipeline steps plus notify
	attempts := time.Duration(e.maxRetries + 1)
	perStep := attempts * (e.stepTimeout + e.ctrl.MaxDelay())
	return stepCount * perStep
}

// Launch starts one workflow for a flushed batch and returns immediately.
// Concurrency across users is bounded by the engine's semaphore. Launch owns
// the batch once called: it always reaches Run, so every flushed batch ends
// in a terminal notification even when ctx is already done.
func (e *Engine) Launch(ctx context.Context, batch domain.UserBatch) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		e.Run(ctx, batch)
	}()
}

// Wait blocks until all launched workflows have terminated.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Run executes one workflow to termination and returns its final state.
// Exported for the replay command and tests; Launch is the normal entry.
func (e *Engine) Run(ctx context.Context, batch domain.UserBatch) *domain.WorkflowState {
	now := time.Now()
	wf := &domain.WorkflowState{
		ID:        uuid.NewString(),
		Batch:     batch,
		Stage:     domain.StageReceived,
		Retries:   make(map[domain.Step]int),
		Status:    domain.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	log := e.logger.With("workflow_id", wf.ID, "user", batch.UserID)
	log.Info("workflow started", "units", len(batch.Units))
	e.emit(bus.EventWorkflowStarted, wf, nil)

	runCtx, cancel := context.WithTimeout(ctx, e.runCap)
	defer cancel()

	e.drive(runCtx, wf, log)

	// The terminal notification must fire even when the run context is
	// already spent (wall-clock cap, shutdown). Detach, keep a timeout.
	notifyCtx, cancelNotify := context.WithTimeout(context.WithoutCancel(ctx), e.stepTimeout)
	defer cancelNotify()
	e.notify(notifyCtx, wf, log)

	if wf.Stage == domain.StagePublished {
		wf.Stage = domain.StageNotified
		wf.Status = domain.StatusSucceeded
		log.Info("workflow succeeded", "locator", wf.Locator, "steps", len(wf.History))
		e.emit(bus.EventWorkflowSucceeded, wf, nil)
	} else {
		wf.Status = domain.StatusFailed
		log.Warn("workflow failed", "steps", len(wf.History))
		e.emit(bus.EventWorkflowFailed, wf, nil)
	}

	if e.archiver != nil {
		if err := e.archiver.SaveWorkflow(notifyCtx, wf); err != nil {
			log.Error("archive workflow", "err", err)
		}
	}
	return wf
}

// drive advances the state machine until Published or Aborted.
func (e *Engine) drive(ctx context.Context, wf *domain.WorkflowState, log *slog.Logger) {
	for wf.Stage != domain.StagePublished && wf.Stage != domain.StageAborted {
		if ctx.Err() != nil {
			log.Error("run context expired, aborting", "stage", wf.Stage, "err", ctx.Err())
			wf.Stage = domain.StageAborted
			return
		}

		step := stepFromStage[wf.Stage]

		if step == domain.StepUploadMedia && !wf.Batch.HasMedia() {
			// Nothing to host; the step is skipped entirely, not recorded.
			wf.Stage = domain.StageMediaResolved
			continue
		}

		res, tier := e.invoke(ctx, wf, step)
		wf.Append(res)
		e.emit(bus.EventStepCompleted, wf, &res)

		switch res.Outcome {
		case domain.OutcomeSuccess:
			next, ok := nextStage(wf.Stage, res.Outcome)
			if !ok {
				log.Error("no transition defined", "stage", wf.Stage, "outcome", res.Outcome)
				wf.Stage = domain.StageAborted
				return
			}
			wf.Stage = next

		case domain.OutcomeRetryableFailure:
			if wf.Retries[step] < e.maxRetries {
				wf.Retries[step]++
				delay := e.ctrl.Backoff(tier, wf.Retries[step])
				log.Warn("step failed, retrying",
					"step", step,
					"attempt", res.Attempt,
					"backoff", delay,
					"err", res.Err,
				)
				e.emit(bus.EventStepRetried, wf, &res)
				if !sleep(ctx, delay) {
					wf.Stage = domain.StageAborted
					return
				}
				continue // same stage, re-invoke
			}
			log.Error("step retries exhausted", "step", step, "attempts", res.Attempt)
			if e.degrade(wf, step, log) {
				continue
			}
			wf.Stage = domain.StageAborted

		case domain.OutcomeFatalFailure:
			log.Error("step failed fatally", "step", step, "err", res.Err)
			if e.degrade(wf, step, log) {
				continue
			}
			wf.Stage = domain.StageAborted
		}
	}
}

// degrade applies the media failure policy: when UploadMedia would abort the
// workflow and the policy is degrade, the run proceeds to publish with
// whatever references resolved. The failed attempt stays in history.
func (e *Engine) degrade(wf *domain.WorkflowState, step domain.Step, log *slog.Logger) bool {
	if step != domain.StepUploadMedia || e.mediaPolicy != MediaPolicyDegrade {
		return false
	}
	log.Warn("media upload failed, degrading to publish without failed media",
		"resolved", len(wf.Media),
		"requested", len(wf.Batch.MediaUnits()),
	)
	wf.Stage = domain.StageMediaResolved
	return true
}

// invoke runs one attempt of one step under the per-step timeout and
// classifies the result. Step outputs accumulate on the workflow state;
// UploadMedia keeps partial results even on failure for the degrade policy.
func (e *Engine) invoke(ctx context.Context, wf *domain.WorkflowState, step domain.Step) (domain.StepResult, retry.Tier) {
	attempt := wf.Retries[step] + 1
	started := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	var data string
	var err error

	switch step {
	case domain.StepAnalyze:
		var seed domain.DraftSeed
		seed, err = e.caps.Analyzer.Analyze(stepCtx, wf.Batch)
		if err == nil {
			wf.Seed = &seed
			data = seed.Topic
		}
	case domain.StepGenerateDraft:
		var draft domain.Draft
		draft, err = e.caps.Drafter.GenerateDraft(stepCtx, *wf.Seed)
		if err == nil {
			wf.Draft = &draft
			data = draft.Title
		}
	case domain.StepUploadMedia:
		var media []domain.HostedMedia
		media, err = e.caps.Uploader.UploadMedia(stepCtx, wf.Batch.MediaUnits())
		wf.Media = media
		data = fmt.Sprintf("%d/%d hosted", len(media), len(wf.Batch.MediaUnits()))
	case domain.StepPublish:
		var locator string
		locator, err = e.caps.Publisher.Publish(stepCtx, *wf.Draft, wf.Media)
		if err == nil {
			wf.Locator = locator
			data = locator
		}
	default:
		err = fmt.Errorf("unknown step: %s", step)
	}

	res := domain.StepResult{
		Step:    step,
		Attempt: attempt,
		Data:    data,
		At:      time.Now(),
		Elapsed: time.Since(started),
	}
	if err == nil {
		res.Outcome = domain.OutcomeSuccess
		return res, retry.TierStandard
	}

	outcome, tier := e.ctrl.Classify(err)
	res.Outcome = outcome
	res.Err = fmt.Sprintf("%+v", err)
	return res, tier
}

// notify delivers the single terminal outcome. Never retried; a failure is
// logged and recorded in history but does not change the workflow result.
func (e *Engine) notify(ctx context.Context, wf *domain.WorkflowState, log *slog.Logger) {
	n := buildNotification(wf)

	res := domain.StepResult{
		Step:    domain.StepNotify,
		Attempt: 1,
		Data:    n.Summary,
		At:      time.Now(),
	}
	if err := e.caps.Notifier.Notify(ctx, n); err != nil {
		log.Error("terminal notification failed", "err", err)
		res.Outcome = domain.OutcomeFatalFailure
		res.Err = err.Error()
	} else {
		res.Outcome = domain.OutcomeSuccess
		e.emit(bus.EventNotifySent, wf, &res)
	}
	wf.Append(res)
}

func (e *Engine) emit(eventType string, wf *domain.WorkflowState, res *domain.StepResult) {
	if e.events == nil {
		return
	}
	payload := map[string]any{
		"workflow_id": wf.ID,
		"user":        wf.Batch.UserID,
		"stage":       string(wf.Stage),
	}
	if res != nil {
		payload["step"] = string(res.Step)
		payload["outcome"] = string(res.Outcome)
		payload["attempt"] = res.Attempt
		payload["elapsed_seconds"] = res.Elapsed.Seconds()
	}
	e.events.Emit(bus.Event{Type: eventType, Source: "workflow.engine", Payload: payload})
}

// sleep waits for d or until ctx is done; reports whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
