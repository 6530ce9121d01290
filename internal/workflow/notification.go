package workflow

import (
	"fmt"

	"pressbot/internal/domain"
)

// buildNotification condenses a terminated workflow into the user-facing
// outcome. Failure summaries name the stage and attempt count only; raw
// error detail stays in the archived history.
func buildNotification(wf *domain.WorkflowState) domain.Notification {
	channel, chatID := wf.Batch.ReplyRoute()
	n := domain.Notification{
		WorkflowID: wf.ID,
		UserID:     wf.Batch.UserID,
		Channel:    channel,
		ChatID:     chatID,
	}

	if wf.Stage == domain.StagePublished {
		n.Succeeded = true
		n.Locator = wf.Locator
		if wf.Draft != nil {
			n.Title = wf.Draft.Title
		}
		n.Summary = fmt.Sprintf("Published: %s\n%s", n.Title, n.Locator)
		return n
	}

	if last, ok := wf.LastFailure(); ok {
		n.FailedStep = last.Step
		n.Attempts = last.Attempt
		n.Summary = fmt.Sprintf("Publishing failed at %s after %d attempt(s). The collected messages were kept for review.",
			stepLabel(last.Step), last.Attempt)
	} else {
		n.Summary = "Publishing was aborted before completing."
	}
	return n
}

func stepLabel(step domain.Step) string {
	switch step {
	case domain.StepAnalyze:
		return "content analysis"
	case domain.StepGenerateDraft:
		return "draft generation"
	case domain.StepUploadMedia:
		return "media upload"
	case domain.StepPublish:
		return "publication"
	case domain.StepNotify:
		return "notification"
	default:
		return string(step)
	}
}
