package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"pressbot/internal/domain"
)

// Gemini implements domain.Analyzer and domain.DraftGenerator against the
// Gemini REST API. It performs no retries of its own; failures surface raw so
// the workflow engine can classify them.
type Gemini struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type GeminiConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

const analyzePrompt = `You are preparing a blog article from a user's message burst.
Read the messages below and respond with ONLY a JSON object:
{"topic": "one-line topic", "summary": "2-3 sentence summary", "tags": ["tag1", "tag2"]}

Messages:
%s`

const draftPrompt = `Write a complete blog article in Markdown.
Topic: %s
Summary: %s
Tags: %s

Source material:
%s

Respond with ONLY a JSON object:
{"title": "article title", "body": "full markdown article body", "tags": ["tag1", "tag2"]}`

// Analyze derives a draft seed from the batch. A batch with no usable content
// is a permanent failure.
func (g *Gemini) Analyze(ctx context.Context, batch domain.UserBatch) (domain.DraftSeed, error) {
	source := batchSource(batch)
	if strings.TrimSpace(source) == "" {
		return domain.DraftSeed{}, domain.ErrEmptyBatch
	}

	text, err := g.generate(ctx, fmt.Sprintf(analyzePrompt, source))
	if err != nil {
		return domain.DraftSeed{}, err
	}

	var parsed struct {
		Topic   string   `json:"topic"`
		Summary string   `json:"summary"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &parsed); err != nil {
		// Models occasionally ignore the JSON instruction. Degrade to using
		// the raw text as the summary rather than failing the step.
		g.logger.Warn("analyze response was not JSON, using raw text", "model", g.model)
		parsed.Summary = text
	}

	return domain.DraftSeed{
		UserID:  batch.UserID,
		Topic:   parsed.Topic,
		Summary: parsed.Summary,
		Tags:    parsed.Tags,
		Context: source,
	}, nil
}

// GenerateDraft produces publishable article content from a seed.
func (g *Gemini) GenerateDraft(ctx context.Context, seed domain.DraftSeed) (domain.Draft, error) {
	prompt := fmt.Sprintf(draftPrompt, seed.Topic, seed.Summary, strings.Join(seed.Tags, ", "), seed.Context)
	text, err := g.generate(ctx, prompt)
	if err != nil {
		return domain.Draft{}, err
	}

	var parsed struct {
		Title string   `json:"title"`
		Body  string   `json:"body"`
		Tags  []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &parsed); err != nil || parsed.Body == "" {
		g.logger.Warn("draft response was not JSON, using raw text", "model", g.model)
		parsed.Title = firstLine(text)
		parsed.Body = text
	}
	if len(parsed.Tags) == 0 {
		parsed.Tags = seed.Tags
	}

	return domain.Draft{
		Title: parsed.Title,
		Body:  parsed.Body,
		Tags:  parsed.Tags,
	}, nil
}

func (g *Gemini) generate(ctx context.Context, prompt string) (string, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.apiBase, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &domain.HTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var gResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(gResp.Candidates) == 0 || len(gResp.Candidates[0].Content.Parts) == 0 {
		return "", &domain.TransientError{Err: fmt.Errorf("gemini returned no candidates")}
	}

	var sb strings.Builder
	for _, p := range gResp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

// batchSource renders the batch as the prompt's source material: text units
// verbatim, media units as placeholders so the model knows they exist.
func batchSource(batch domain.UserBatch) string {
	var sb strings.Builder
	for _, u := range batch.Units {
		switch u.Kind {
		case domain.KindText:
			sb.WriteString(u.Payload)
			sb.WriteString("\n")
		case domain.KindImage:
			sb.WriteString("[attached image]\n")
		case domain.KindVideo:
			sb.WriteString("[attached video]\n")
		}
	}
	return sb.String()
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx > 0 {
		s = s[:idx]
	}
	return strings.TrimPrefix(strings.TrimSpace(s), "# ")
}
