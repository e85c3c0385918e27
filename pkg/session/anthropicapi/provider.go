// Package anthropicapi implements the session provider against the Anthropic
// Messages API directly. The API is stateless, so session continuity and
// non-destructive probing are provided by a local transcript store: every
// turn replays the stored history, and a probe measures it without touching
// it.
package anthropicapi

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"arbiter/pkg/logx"
	"arbiter/pkg/session"
	"arbiter/pkg/tokens"
)

// DefaultModel is used when the turn options carry no model.
const DefaultModel = string(anthropic.ModelClaudeSonnet4_20250514)

const defaultMaxTokens = 8192

// Provider implements session.Provider over the Anthropic API.
type Provider struct {
	client           anthropic.Client
	transcripts      *session.Transcripts
	counter          *tokens.Counter
	logger           *logx.Logger
	maxContextTokens int
}

// New creates an Anthropic-backed provider. maxContextTokens bounds the
// local context-percentage measurement used by Probe.
func New(apiKey string, maxContextTokens int) *Provider {
	counter, err := tokens.NewCounter()
	if err != nil {
		// Counter falls back to a character heuristic when nil.
		counter = nil
	}
	if maxContextTokens <= 0 {
		maxContextTokens = 200_000
	}
	return &Provider{
		client:           anthropic.NewClient(option.WithAPIKey(apiKey)),
		transcripts:      session.NewTranscripts(),
		counter:          counter,
		logger:           logx.NewLogger("session-anthropic"),
		maxContextTokens: maxContextTokens,
	}
}

// Start begins one turn. Fresh sessions emit an init event carrying the
// newly allocated session id before any content.
func (p *Provider) Start(ctx context.Context, prompt string, opts *session.Options) (<-chan session.Event, error) {
	if opts == nil {
		opts = &session.Options{}
	}

	sessionID := opts.ResumeID
	fresh := sessionID == ""
	if fresh {
		sessionID = p.transcripts.Begin()
	}

	events := make(chan session.Event, 4)
	go func() {
		defer close(events)

		if fresh {
			events <- session.Event{Type: session.EventInit, SessionID: sessionID}
		}

		text, err := p.complete(ctx, sessionID, prompt, opts)
		if err != nil {
			p.logger.Warn("turn failed for session %s: %v", sessionID, err)
			events <- session.Event{
				Type:      session.EventResult,
				SessionID: sessionID,
				Result:    &session.Result{Subtype: session.ResultError, ErrorText: err.Error()},
			}
			return
		}

		p.transcripts.Append(sessionID, session.RoleUser, prompt)
		p.transcripts.Append(sessionID, session.RoleAssistant, text)

		events <- session.Event{Type: session.EventContent, SessionID: sessionID, Text: text}
		events <- session.Event{
			Type:      session.EventResult,
			SessionID: sessionID,
			Result: &session.Result{
				Subtype:          session.ResultSuccess,
				StructuredOutput: session.ExtractJSONObject(text),
			},
		}
	}()
	return events, nil
}

func (p *Provider) complete(ctx context.Context, sessionID, prompt string, opts *session.Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}

	history := p.transcripts.Snapshot(sessionID)
	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, msg := range history {
		switch msg.Role {
		case session.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages:  messages,
	}
	if sys := opts.SystemPrompt + session.SchemaInstruction(opts.OutputSchema); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("anthropic response contained no text content")
	}
	return text, nil
}

// Probe measures the session's transcript locally instead of issuing an API
// call, which is both non-destructive and free.
func (p *Provider) Probe(_ context.Context, sessionID, _ string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("probe requires a session id")
	}

	used := 0
	for _, msg := range p.transcripts.Snapshot(sessionID) {
		used += p.counter.Count(msg.Content)
	}
	pct := tokens.Percent(used, p.maxContextTokens)
	return fmt.Sprintf("Context usage is approximately %d%% of available capacity.", pct), nil
}
