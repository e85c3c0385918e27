// Package claudecli runs turns against the Claude Code CLI as a subprocess,
// speaking its stream-json output format. Session continuity uses the CLI's
// --resume flag; context probes use --fork-session so they leave no trace in
// the primary transcript.
package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"arbiter/pkg/logx"
	"arbiter/pkg/session"
)

// DefaultBinary is the CLI binary resolved from PATH unless overridden.
const DefaultBinary = "claude"

// Provider implements session.Provider on top of the Claude CLI.
type Provider struct {
	binary string
	logger *logx.Logger

	// Hook-injected context cannot be fed into a CLI process mid-run, so it
	// is buffered per session and prepended to that session's next prompt.
	mu         sync.Mutex
	injections map[string][]string
}

// New creates a CLI-backed provider. An empty binary selects DefaultBinary.
func New(binary string) *Provider {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Provider{
		binary:     binary,
		logger:     logx.NewLogger("session-claudecli"),
		injections: make(map[string][]string),
	}
}

// Start begins one turn. The returned channel closes when the subprocess
// exits and its stream is fully drained.
func (p *Provider) Start(ctx context.Context, prompt string, opts *session.Options) (<-chan session.Event, error) {
	if opts == nil {
		opts = &session.Options{}
	}

	prompt = p.consumeInjections(opts.ResumeID, prompt)

	args := p.buildArgs(prompt, opts)
	cmd := exec.CommandContext(ctx, p.binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", p.binary, err)
	}

	events := make(chan session.Event, 16)
	go p.consume(ctx, cmd, stdout, &stderr, opts, events)
	return events, nil
}

func (p *Provider) consume(ctx context.Context, cmd *exec.Cmd, stdout interface{ Read([]byte) (int, error) }, stderr *bytes.Buffer, opts *session.Options, events chan<- session.Event) {
	defer close(events)

	sessionID := opts.ResumeID
	sawResult := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		for _, ev := range parseLine(scanner.Text(), func(err error) {
			p.logger.Debug("stream parse error: %v", err)
		}) {
			if ev.SessionID != "" {
				sessionID = ev.SessionID
			}
			if ev.Type == session.EventToolUse {
				p.runPostToolUse(sessionID, ev.ToolName, opts)
			}
			if ev.Type == session.EventResult {
				sawResult = true
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
		}
	}

	err := cmd.Wait()
	if sawResult {
		return
	}

	// Stream ended without a terminal result: synthesize one so consumers
	// always observe a result event.
	res := &session.Result{Subtype: session.ResultError}
	switch {
	case ctx.Err() != nil:
		res.ErrorText = session.ErrCancelled.Error()
	case err != nil:
		res.ErrorText = fmt.Sprintf("%v: %s", err, strings.TrimSpace(stderr.String()))
	default:
		res.ErrorText = "stream ended without result event"
	}
	select {
	case events <- session.Event{Type: session.EventResult, SessionID: sessionID, Result: res}:
	default:
	}
}

// Probe forks the session for a side-channel question. The forked
// continuation is discarded by the CLI, so the primary transcript is
// unaffected.
func (p *Provider) Probe(ctx context.Context, sessionID, question string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("probe requires a session id")
	}

	args := []string{
		"-p", question,
		"--resume", sessionID,
		"--fork-session",
		"--output-format", "json",
	}
	cmd := exec.CommandContext(ctx, p.binary, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("probe failed: %w", err)
	}

	var result struct {
		Result string `json:"result"`
	}
	if jsonErr := json.Unmarshal(out, &result); jsonErr == nil && result.Result != "" {
		return result.Result, nil
	}
	return string(out), nil
}

func (p *Provider) buildArgs(prompt string, opts *session.Options) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}

	systemPrompt := opts.SystemPrompt + session.SchemaInstruction(opts.OutputSchema)
	if systemPrompt != "" {
		args = append(args, "--append-system-prompt", systemPrompt)
	}

	if len(opts.PermittedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.PermittedTools, ","))
	}

	return args
}

func (p *Provider) runPostToolUse(sessionID, toolName string, opts *session.Options) {
	if opts.Hooks.PostToolUse == nil {
		return
	}
	injected := opts.Hooks.PostToolUse(sessionID, toolName)
	if injected == "" || sessionID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.injections[sessionID] = append(p.injections[sessionID], injected)
}

// consumeInjections prepends any buffered hook context for the session to
// the outgoing prompt and clears the buffer.
func (p *Provider) consumeInjections(sessionID, prompt string) string {
	if sessionID == "" {
		return prompt
	}

	p.mu.Lock()
	pending := p.injections[sessionID]
	delete(p.injections, sessionID)
	p.mu.Unlock()

	if len(pending) == 0 {
		return prompt
	}
	return strings.Join(pending, "\n") + "\n\n" + prompt
}
