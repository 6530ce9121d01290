package domain

import "context"

// DraftSeed is the structured content intent derived from a batch.
type DraftSeed struct {
	UserID  string
	Topic   string
	Summary string
	Tags    []string
	Context string // aggregated source text the draft is generated from
}

// Draft is publishable content produced from a seed.
type Draft struct {
	Title     string
	Body      string
	Category  string
	Tags      []string
	DraftMode bool // publish as an unlisted draft
}

// HostedMedia is an externally addressable reference to an uploaded unit.
type HostedMedia struct {
	UnitID     string
	URL        string
	DeleteHash string
}

// Notification is the single terminal outcome delivered per workflow.
// Summary is user-facing text; it never carries raw error internals.
type Notification struct {
	WorkflowID string
	UserID     string
	Channel    string
	ChatID     string
	Succeeded  bool
	Title      string
	Locator    string
	FailedStep Step
	Attempts   int
	Summary    string
}

// Analyzer derives content intent from the aggregated units.
type Analyzer interface {
	Analyze(ctx context.Context, batch UserBatch) (DraftSeed, error)
}

// DraftGenerator produces publishable content from a seed.
type DraftGenerator interface {
	GenerateDraft(ctx context.Context, seed DraftSeed) (Draft, error)
}

// MediaUploader resolves media units to hosted references. On error it may
// still return the references that did resolve; the degrade policy publishes
// with those.
type MediaUploader interface {
	UploadMedia(ctx context.Context, units []InboundUnit) ([]HostedMedia, error)
}

// Publisher posts the draft and returns a locator for the published article.
type Publisher interface {
	Publish(ctx context.Context, draft Draft, media []HostedMedia) (string, error)
}

// Notifier delivers the terminal outcome to the user. Best effort: errors are
// logged by the engine, never retried, and never block workflow termination.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Archiver persists a terminated workflow together with its full history.
// Persistence is a collaborator concern; the engine only hands off the final
// state.
type Archiver interface {
	SaveWorkflow(ctx context.Context, w *WorkflowState) error
}
