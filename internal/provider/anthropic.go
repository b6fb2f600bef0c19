package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicContent generates quiz drafts with the Anthropic Messages API.
type AnthropicContent struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// AnthropicConfig configures the hosted content provider.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// NewAnthropicContent builds the provider. An empty API key falls back
// to the ANTHROPIC_API_KEY environment variable inside the SDK.
func NewAnthropicContent(cfg AnthropicConfig) *AnthropicContent {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicContent{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Name implements the provider contract.
func (p *AnthropicContent) Name() string { return "anthropic" }

const draftSystemPrompt = `You write short-form quiz content. Respond with a single JSON object
and nothing else, with keys: question, options (array of 4 strings),
answer (one of options), explanation, title, description, tags (array
of strings). Keep the question under 120 characters.`

// Call generates one draft for the requested template and category.
func (p *AnthropicContent) Call(ctx context.Context, req ContentRequest) (ContentDraft, error) {
	prompt := buildDraftPrompt(req)
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: draftSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return ContentDraft{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	draft, err := parseDraftJSON(text.String())
	if err != nil {
		return ContentDraft{}, err
	}
	return draft, nil
}

func buildDraftPrompt(req ContentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write one %s quiz question in the %q category, voiced for the %q narrator style.\n",
		req.Template, req.Category, req.Voice)
	if len(req.Avoid) > 0 {
		b.WriteString("Do not repeat or closely paraphrase any of these recent questions:\n")
		for _, q := range req.Avoid {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	return b.String()
}

// parseDraftJSON tolerates prose around the JSON object by slicing from
// the first '{' to the last '}'.
func parseDraftJSON(text string) (ContentDraft, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ContentDraft{}, fmt.Errorf("no JSON object in model response")
	}
	var draft ContentDraft
	if err := json.Unmarshal([]byte(text[start:end+1]), &draft); err != nil {
		return ContentDraft{}, fmt.Errorf("decode draft: %w", err)
	}
	if strings.TrimSpace(draft.Question) == "" {
		return ContentDraft{}, fmt.Errorf("draft missing question text")
	}
	if draft.Title == "" {
		draft.Title = draft.Question
	}
	return draft, nil
}
