package workflow

import "pressbot/internal/domain"

// stepFromStage maps each non-terminal stage to the step executed from it.
// Notify is not listed: it runs exactly once after the loop reaches a
// terminal publishing outcome, on both the success and the abort path.
var stepFromStage = map[domain.Stage]domain.Step{
	domain.StageReceived:      domain.StepAnalyze,
	domain.StageAnalyzed:      domain.StepGenerateDraft,
	domain.StageDrafted:       domain.StepUploadMedia,
	domain.StageMediaResolved: domain.StepPublish,
}

// transitions is the explicit state table: (stage, outcome) -> next stage.
// RetryableFailure keeps the stage; the engine decides between re-invoking
// and aborting based on the retry budget before consulting this table.
var transitions = map[domain.Stage]map[domain.Outcome]domain.Stage{
	domain.StageReceived: {
		domain.OutcomeSuccess:          domain.StageAnalyzed,
		domain.OutcomeRetryableFailure: domain.StageReceived,
		domain.OutcomeFatalFailure:     domain.StageAborted,
	},
	domain.StageAnalyzed: {
		domain.OutcomeSuccess:          domain.StageDrafted,
		domain.OutcomeRetryableFailure: domain.StageAnalyzed,
		domain.OutcomeFatalFailure:     domain.StageAborted,
	},
	domain.StageDrafted: {
		domain.OutcomeSuccess:          domain.StageMediaResolved,
		domain.OutcomeRetryableFailure: domain.StageDrafted,
		domain.OutcomeFatalFailure:     domain.StageAborted,
	},
	domain.StageMediaResolved: {
		domain.OutcomeSuccess:          domain.StagePublished,
		domain.OutcomeRetryableFailure: domain.StageMediaResolved,
		domain.OutcomeFatalFailure:     domain.StageAborted,
	},
}

// nextStage resolves one transition. ok is false for unknown pairs, which
// would indicate a table bug, not a runtime condition.
func nextStage(stage domain.Stage, outcome domain.Outcome) (domain.Stage, bool) {
	row, ok := transitions[stage]
	if !ok {
		return "", false
	}
	next, ok := row[outcome]
	return next, ok
}
