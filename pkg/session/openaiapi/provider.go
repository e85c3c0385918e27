// Package openaiapi implements the session provider against the OpenAI Chat
// Completions API. Like the Anthropic adapter it backs session continuity
// with a local transcript store, replayed on every turn.
package openaiapi

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"arbiter/pkg/logx"
	"arbiter/pkg/session"
	"arbiter/pkg/tokens"
)

// DefaultModel is used when the turn options carry no model.
const DefaultModel = "gpt-4o"

// Provider implements session.Provider over the OpenAI API.
type Provider struct {
	client           openai.Client
	transcripts      *session.Transcripts
	counter          *tokens.Counter
	logger           *logx.Logger
	maxContextTokens int
}

// New creates an OpenAI-backed provider.
func New(apiKey string, maxContextTokens int) *Provider {
	counter, err := tokens.NewCounter()
	if err != nil {
		counter = nil
	}
	if maxContextTokens <= 0 {
		maxContextTokens = 128_000
	}
	return &Provider{
		client:           openai.NewClient(option.WithAPIKey(apiKey)),
		transcripts:      session.NewTranscripts(),
		counter:          counter,
		logger:           logx.NewLogger("session-openai"),
		maxContextTokens: maxContextTokens,
	}
}

// Start begins one turn.
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
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if sys := opts.SystemPrompt + session.SchemaInstruction(opts.OutputSchema); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	for _, msg := range history {
		switch msg.Role {
		case session.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	messages = append(messages, openai.UserMessage(prompt))

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Probe measures the session's transcript locally.
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
