package workflow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"pressbot/internal/domain"
	"pressbot/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stub capabilities with overridable behavior and invocation counters.
type stubCaps struct {
	analyzeCalls, draftCalls, uploadCalls, publishCalls, notifyCalls int

	analyze func(attempt int) (domain.DraftSeed, error)
	upload  func(attempt int) ([]domain.HostedMedia, error)
	publish func(draft domain.Draft, media []domain.HostedMedia) (string, error)
	notify  func(n domain.Notification) error

	lastNotification domain.Notification
	publishedMedia   []domain.HostedMedia
}

func (s *stubCaps) Analyze(ctx context.Context, batch domain.UserBatch) (domain.DraftSeed, error) {
	s.analyzeCalls++
	if s.analyze != nil {
		return s.analyze(s.analyzeCalls)
	}
	return domain.DraftSeed{UserID: batch.UserID, Topic: "daily notes", Summary: "a day"}, nil
}

func (s *stubCaps) GenerateDraft(ctx context.Context, seed domain.DraftSeed) (domain.Draft, error) {
	s.draftCalls++
	return domain.Draft{Title: "Daily Notes", Body: "body"}, nil
}

func (s *stubCaps) UploadMedia(ctx context.Context, units []domain.InboundUnit) ([]domain.HostedMedia, error) {
	s.uploadCalls++
	if s.upload != nil {
		return s.upload(s.uploadCalls)
	}
	media := make([]domain.HostedMedia, len(units))
	for i, u := range units {
		media[i] = domain.HostedMedia{UnitID: u.ID, URL: "https://img.example/" + u.ID}
	}
	return media, nil
}

func (s *stubCaps) Publish(ctx context.Context, draft domain.Draft, media []domain.HostedMedia) (string, error) {
	s.publishCalls++
	s.publishedMedia = media
	if s.publish != nil {
		return s.publish(draft, media)
	}
	return "https://blog.example/entry/1", nil
}

func (s *stubCaps) Notify(ctx context.Context, n domain.Notification) error {
	s.notifyCalls++
	s.lastNotification = n
	if s.notify != nil {
		return s.notify(n)
	}
	return nil
}

func newTestEngine(t *testing.T, caps *stubCaps, maxRetries int, mediaPolicy string) *Engine {
	t.Helper()
	ctrl := retry.New([]time.Duration{time.Millisecond}, []time.Duration{time.Millisecond}, testLogger())
	e, err := New(Config{
		Capabilities: Capabilities{
			Analyzer:  caps,
			Drafter:   caps,
			Uploader:  caps,
			Publisher: caps,
			Notifier:  caps,
		},
		Controller:        ctrl,
		MaxRetriesPerStep: maxRetries,
		PerStepTimeout:    time.Second,
		MediaPolicy:       mediaPolicy,
		Logger:            testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func textBatch(user string) domain.UserBatch {
	return domain.UserBatch{
		UserID: user,
		Units: []domain.InboundUnit{
			{ID: "t1", UserID: user, Kind: domain.KindText, Payload: "hello", Channel: "telegram", ChatID: "7"},
		},
	}
}

func mixedBatch(user string) domain.UserBatch {
	b := textBatch(user)
	b.Units = append(b.Units,
		domain.InboundUnit{ID: "i1", UserID: user, Kind: domain.KindImage, Payload: "file1", Channel: "telegram", ChatID: "7"},
		domain.InboundUnit{ID: "i2", UserID: user, Kind: domain.KindImage, Payload: "file2", Channel: "telegram", ChatID: "7"},
	)
	return b
}

func steps(wf *domain.WorkflowState) []domain.Step {
	out := make([]domain.Step, len(wf.History))
	for i, r := range wf.History {
		out[i] = r.Step
	}
	return out
}

func TestRun_SuccessPath(t *testing.T) {
	caps := &stubCaps{}
	e := newTestEngine(t, caps, 3, MediaPolicyAbort)

	wf := e.Run(context.Background(), mixedBatch("alice"))

	if wf.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s", wf.Status)
	}
	if wf.Stage != domain.StageNotified {
		t.Fatalf("stage = %s", wf.Stage)
	}
	if wf.Locator != "https://blog.example/entry/1" {
		t.Fatalf("locator = %s", wf.Locator)
	}

	want := []domain.Step{
		domain.StepAnalyze,
		domain.StepGenerateDraft,
		domain.StepUploadMedia,
		domain.StepPublish,
		domain.StepNotify,
	}
	got := steps(wf)
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if caps.notifyCalls != 1 {
		t.Fatalf("notify called %d times", caps.notifyCalls)
	}
	if !caps.lastNotification.Succeeded {
		t.Fatal("notification should report success")
	}
}

func TestRun_SkipsUploadWithoutMedia(t *testing.T) {
	caps := &stubCaps{}
	e := newTestEngine(t, caps, 3, MediaPolicyAbort)

	wf := e.Run(context.Background(), textBatch("alice"))

	if wf.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s", wf.Status)
	}
	if caps.uploadCalls != 0 {
		t.Fatalf("upload invoked %d times for a text-only batch", caps.uploadCalls)
	}
	for _, r := range wf.History {
		if r.Step == domain.StepUploadMedia {
			t.Fatal("history contains an upload entry for a skipped step")
		}
	}
}

// A step whose handler always reports a retryable failure is invoked exactly
// maxRetries+1 times before the workflow aborts.
func TestRun_RetryBound(t *testing.T) {
	const maxRetries = 3
	caps := &stubCaps{
		analyze: func(int) (domain.DraftSeed, error) {
			return domain.DraftSeed{}, &domain.TransientError{Err: errors.New("upstream down")}
		},
	}
	e := newTestEngine(t, caps, maxRetries, MediaPolicyAbort)

	wf := e.Run(context.Background(), textBatch("alice"))

	if caps.analyzeCalls != maxRetries+1 {
		t.Fatalf("analyze invoked %d times, want %d", caps.analyzeCalls, maxRetries+1)
	}
	if wf.Status != domain.StatusFailed {
		t.Fatalf("status = %s", wf.Status)
	}
	if caps.draftCalls != 0 {
		t.Fatal("draft ran after analyze exhausted retries")
	}
	if caps.notifyCalls != 1 {
		t.Fatalf("notify called %d times", caps.notifyCalls)
	}
	if caps.lastNotification.Succeeded {
		t.Fatal("notification should report failure")
	}
	if caps.lastNotification.FailedStep != domain.StepAnalyze {
		t.Fatalf("failed step = %s", caps.lastNotification.FailedStep)
	}
	if caps.lastNotification.Attempts != maxRetries+1 {
		t.Fatalf("attempts = %d", caps.lastNotification.Attempts)
	}
}

func TestRun_FatalAbortsImmediately(t *testing.T) {
	caps := &stubCaps{
		analyze: func(int) (domain.DraftSeed, error) {
			return domain.DraftSeed{}, domain.ErrValidation
		},
	}
	e := newTestEngine(t, caps, 5, MediaPolicyAbort)

	wf := e.Run(context.Background(), textBatch("alice"))

	if caps.analyzeCalls != 1 {
		t.Fatalf("analyze invoked %d times, want 1", caps.analyzeCalls)
	}
	if wf.Status != domain.StatusFailed {
		t.Fatalf("status = %s", wf.Status)
	}
	if caps.notifyCalls != 1 {
		t.Fatalf("notify called %d times", caps.notifyCalls)
	}
}

// Two transient analyze failures then success: history shows three analyze
// entries before draft generation begins.
func TestRun_TransientThenSuccess(t *testing.T) {
	caps := &stubCaps{
		analyze: func(attempt int) (domain.DraftSeed, error) {
			if attempt <= 2 {
				return domain.DraftSeed{}, &domain.HTTPError{Status: 503}
			}
			return domain.DraftSeed{Topic: "recovered"}, nil
		},
	}
	e := newTestEngine(t, caps, 3, MediaPolicyAbort)

	wf := e.Run(context.Background(), textBatch("alice"))

	if wf.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s", wf.Status)
	}
	got := steps(wf)
	want := []domain.Step{domain.StepAnalyze, domain.StepAnalyze, domain.StepAnalyze, domain.StepGenerateDraft}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history[%d] = %s, want %s (history %v)", i, got[i], want[i], got)
		}
	}
	if wf.History[0].Outcome != domain.OutcomeRetryableFailure ||
		wf.History[1].Outcome != domain.OutcomeRetryableFailure ||
		wf.History[2].Outcome != domain.OutcomeSuccess {
		t.Fatalf("analyze outcomes wrong: %+v", wf.History[:3])
	}
	if wf.History[0].Attempt != 1 || wf.History[1].Attempt != 2 || wf.History[2].Attempt != 3 {
		t.Fatalf("attempt numbering wrong: %+v", wf.History[:3])
	}
}

func TestRun_MediaDegradePolicy(t *testing.T) {
	caps := &stubCaps{
		upload: func(int) ([]domain.HostedMedia, error) {
			// One reference resolved before the fatal failure.
			return []domain.HostedMedia{{UnitID: "i1", URL: "https://img.example/i1"}},
				domain.ErrUnauthorized
		},
	}
	e := newTestEngine(t, caps, 3, MediaPolicyDegrade)

	wf := e.Run(context.Background(), mixedBatch("alice"))

	if wf.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s, workflow should degrade and publish", wf.Status)
	}
	if caps.uploadCalls != 1 {
		t.Fatalf("fatal upload failure retried %d times", caps.uploadCalls)
	}
	if caps.publishCalls != 1 {
		t.Fatalf("publish called %d times", caps.publishCalls)
	}
	if len(caps.publishedMedia) != 1 || caps.publishedMedia[0].UnitID != "i1" {
		t.Fatalf("published media = %v, want the partial result", caps.publishedMedia)
	}
	// The failed attempt stays visible in history.
	var sawFailure bool
	for _, r := range wf.History {
		if r.Step == domain.StepUploadMedia && r.Outcome == domain.OutcomeFatalFailure {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatal("degraded upload failure missing from history")
	}
}

func TestRun_MediaAbortPolicy(t *testing.T) {
	caps := &stubCaps{
		upload: func(int) ([]domain.HostedMedia, error) {
			return nil, domain.ErrUnauthorized
		},
	}
	e := newTestEngine(t, caps, 3, MediaPolicyAbort)

	wf := e.Run(context.Background(), mixedBatch("alice"))

	if wf.Status != domain.StatusFailed {
		t.Fatalf("status = %s", wf.Status)
	}
	if caps.publishCalls != 0 {
		t.Fatal("publish ran after upload aborted the workflow")
	}
	if caps.notifyCalls != 1 {
		t.Fatalf("notify called %d times", caps.notifyCalls)
	}
}

func TestRun_NotifyFailureDoesNotChangeResult(t *testing.T) {
	caps := &stubCaps{
		notify: func(domain.Notification) error { return errors.New("push failed") },
	}
	e := newTestEngine(t, caps, 3, MediaPolicyAbort)

	wf := e.Run(context.Background(), textBatch("alice"))

	if wf.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s, notify failure must not fail the workflow", wf.Status)
	}
	if caps.notifyCalls != 1 {
		t.Fatalf("notify called %d times, must never be retried", caps.notifyCalls)
	}
	last := wf.History[len(wf.History)-1]
	if last.Step != domain.StepNotify || last.Outcome != domain.OutcomeFatalFailure {
		t.Fatalf("notify failure not recorded: %+v", last)
	}
}

func TestRun_HistoryStrictlyOrdered(t *testing.T) {
	caps := &stubCaps{}
	e := newTestEngine(t, caps, 3, MediaPolicyAbort)

	wf := e.Run(context.Background(), mixedBatch("alice"))

	order := map[domain.Step]int{
		domain.StepAnalyze:       0,
		domain.StepGenerateDraft: 1,
		domain.StepUploadMedia:   2,
		domain.StepPublish:       3,
		domain.StepNotify:        4,
	}
	prev := -1
	for i, r := range wf.History {
		rank := order[r.Step]
		if rank < prev {
			t.Fatalf("history[%d] %s appears after a later step", i, r.Step)
		}
		prev = rank
	}
}

// concurrentCaps is safe for parallel workflows; it only records terminal
// notifications.
type concurrentCaps struct {
	done chan string
}

func (c *concurrentCaps) Analyze(ctx context.Context, batch domain.UserBatch) (domain.DraftSeed, error) {
	return domain.DraftSeed{UserID: batch.UserID, Topic: "t"}, nil
}

func (c *concurrentCaps) GenerateDraft(ctx context.Context, seed domain.DraftSeed) (domain.Draft, error) {
	return domain.Draft{Title: "t", Body: "b"}, nil
}

func (c *concurrentCaps) UploadMedia(ctx context.Context, units []domain.InboundUnit) ([]domain.HostedMedia, error) {
	return nil, nil
}

func (c *concurrentCaps) Publish(ctx context.Context, draft domain.Draft, media []domain.HostedMedia) (string, error) {
	return "https://blog.example/entry/x", nil
}

func (c *concurrentCaps) Notify(ctx context.Context, n domain.Notification) error {
	c.done <- n.UserID
	return nil
}

func TestLaunch_ParallelUsersAllTerminate(t *testing.T) {
	caps := &concurrentCaps{done: make(chan string, 8)}
	done := caps.done

	ctrl := retry.New([]time.Duration{time.Millisecond}, nil, testLogger())
	e, err := New(Config{
		Capabilities:      Capabilities{Analyzer: caps, Drafter: caps, Uploader: caps, Publisher: caps, Notifier: caps},
		Controller:        ctrl,
		MaxRetriesPerStep: 1,
		PerStepTimeout:    time.Second,
		Logger:            testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	users := []string{"a", "b", "c", "d"}
	for _, u := range users {
		e.Launch(context.Background(), textBatch(u))
	}
	e.Wait()

	seen := map[string]int{}
	for range users {
		select {
		case u := <-done:
			seen[u]++
		default:
			t.Fatal("missing terminal notification")
		}
	}
	for _, u := range users {
		if seen[u] != 1 {
			t.Fatalf("user %s notified %d times", u, seen[u])
		}
	}
}

// Batches flushed during shutdown are launched with a context that is already
// done. Launch owns them from that point: every one must still reach a
// terminal notification, none silently dropped.
func TestLaunch_DoneContextStillNotifiesEveryBatch(t *testing.T) {
	const batches = 50
	caps := &concurrentCaps{done: make(chan string, batches)}

	ctrl := retry.New([]time.Duration{time.Millisecond}, nil, testLogger())
	e, err := New(Config{
		Capabilities:      Capabilities{Analyzer: caps, Drafter: caps, Uploader: caps, Publisher: caps, Notifier: caps},
		Controller:        ctrl,
		MaxRetriesPerStep: 1,
		PerStepTimeout:    time.Second,
		MaxConcurrent:     4,
		Logger:            testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < batches; i++ {
		e.Launch(ctx, textBatch(strconv.Itoa(i)))
	}
	e.Wait()

	if got := len(caps.done); got != batches {
		t.Fatalf("%d of %d batches produced a terminal notification", got, batches)
	}
	seen := map[string]int{}
	for i := 0; i < batches; i++ {
		seen[<-caps.done]++
	}
	for i := 0; i < batches; i++ {
		if n := seen[strconv.Itoa(i)]; n != 1 {
			t.Fatalf("batch %d notified %d times", i, n)
		}
	}
}

// A step handler that overruns its timeout and keeps failing retryably will
// eventually trip the whole-run cap: the workflow aborts before its retry
// budget is spent and still notifies exactly once.
func TestRun_WallClockCapForcesAbort(t *testing.T) {
	const maxRetries = 3
	caps := &stubCaps{
		analyze: func(int) (domain.DraftSeed, error) {
			time.Sleep(25 * time.Millisecond)
			return domain.DraftSeed{}, &domain.TransientError{Err: errors.New("stuck upstream")}
		},
	}
	ctrl := retry.New([]time.Duration{time.Millisecond}, nil, testLogger())
	e, err := New(Config{
		Capabilities:      Capabilities{Analyzer: caps, Drafter: caps, Uploader: caps, Publisher: caps, Notifier: caps},
		Controller:        ctrl,
		MaxRetriesPerStep: maxRetries,
		PerStepTimeout:    time.Millisecond,
		MediaPolicy:       MediaPolicyAbort,
		Logger:            testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// 5 steps x 4 attempts x (1ms timeout + 1ms backoff) = 40ms; one analyze
	// attempt alone takes 25ms.
	if e.runCap != 40*time.Millisecond {
		t.Fatalf("runCap = %v, want 40ms", e.runCap)
	}

	wf := e.Run(context.Background(), textBatch("alice"))

	if wf.Status != domain.StatusFailed {
		t.Fatalf("status = %s", wf.Status)
	}
	if wf.Stage != domain.StageAborted {
		t.Fatalf("stage = %s", wf.Stage)
	}
	if caps.analyzeCalls >= maxRetries+1 {
		t.Fatalf("analyze invoked %d times, cap should cut the run before retries exhaust", caps.analyzeCalls)
	}
	if caps.notifyCalls != 1 {
		t.Fatalf("notify called %d times", caps.notifyCalls)
	}
}

func TestWallClockCapDerivation(t *testing.T) {
	ctrl := retry.New([]time.Duration{time.Second}, []time.Duration{10 * time.Second}, testLogger())
	caps := &stubCaps{}
	e, err := New(Config{
		Capabilities:      Capabilities{Analyzer: caps, Drafter: caps, Uploader: caps, Publisher: caps, Notifier: caps},
		Controller:        ctrl,
		MaxRetriesPerStep: 2,
		PerStepTimeout:    5 * time.Second,
		Logger:            testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// 5 steps x 3 attempts x (5s timeout + 10s max backoff) = 225s.
	if e.runCap != 225*time.Second {
		t.Fatalf("runCap = %v, want 225s", e.runCap)
	}
}
