// Package console is the terminal frontend: it renders the router's
// presenter callbacks as plain text and feeds human input back in, line by
// line. No animation layer lives here; the rendering is deliberately boring
// so the conversation itself is the interface.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"arbiter/pkg/logx"
)

const inputPrompt = "you ▸ "

// UI renders router output and reads human input.
type UI struct {
	in     io.Reader
	out    io.Writer
	logger *logx.Logger

	mu sync.Mutex
}

// New creates a console UI over the given streams. Pass os.Stdin/os.Stdout
// in production; tests inject buffers.
func New(in io.Reader, out io.Writer) *UI {
	return &UI{in: in, out: out, logger: logx.NewLogger("console")}
}

func (u *UI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format, args...)
}

// HumanEcho re-prints the human's message only when input is not a terminal
// (piped input would otherwise be invisible in the transcript).
func (u *UI) HumanEcho(text string) {
	if f, ok := u.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return
	}
	u.printf("%s%s\n", inputPrompt, text)
}

// ManagerMessage renders a Manager utterance.
func (u *UI) ManagerMessage(text string) {
	u.printf("\nManager ▸ %s\n", text)
}

// WorkerMessage renders a Worker utterance under its ordinal label.
func (u *UI) WorkerMessage(label, text string) {
	u.printf("\nOrchestrator %s ▸ %s\n", label, text)
}

// ContextUpdate renders the latest polled context percentages. A negative
// manager value means no observation yet and is not rendered.
func (u *UI) ContextUpdate(managerPct int, workerPct *int) {
	switch {
	case managerPct >= 0 && workerPct != nil:
		u.printf("[context] manager %d%%, orchestrator %d%%\n", managerPct, *workerPct)
	case managerPct >= 0:
		u.printf("[context] manager %d%%\n", managerPct)
	case workerPct != nil:
		u.printf("[context] orchestrator %d%%\n", *workerPct)
	}
}

// ToolUse renders one observed tool call with the session's running count.
func (u *UI) ToolUse(name string, count int) {
	u.printf("  ⚙ %s (#%d)\n", name, count)
}

// WorkerSpawned announces a new Worker.
func (u *UI) WorkerSpawned(label string) {
	u.printf("\n✨ Orchestrator %s has been summoned.\n", label)
}

// WorkerReleased announces a Worker teardown.
func (u *UI) WorkerReleased() {
	u.printf("\n💨 The orchestrator has been released.\n")
}

// Debug surfaces router debug entries when console debugging is enabled.
func (u *UI) Debug(entry string) {
	if !logx.DebugEnabled("console") {
		return
	}
	u.printf("[debug] %s\n", entry)
}

// Run reads human input until EOF, /quit, or a submit error. Empty lines are
// skipped; /debug dumps the recent log buffer. The submit error (Manager
// retry exhaustion) is returned to the caller so the process can exit
// non-zero.
func (u *UI) Run(ctx context.Context, submit func(ctx context.Context, text string) error) error {
	scanner := bufio.NewScanner(u.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		u.printf("%s", inputPrompt)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			return nil // EOF
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" || text == "/exit" {
			return nil
		}
		if text == "/debug" {
			u.dumpRecentLogs()
			continue
		}

		if err := submit(ctx, text); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// dumpRecentLogs renders the in-memory log buffer, newest last.
func (u *UI) dumpRecentLogs() {
	entries := logx.Recent()
	if len(entries) == 0 {
		u.printf("[debug] no recent log entries\n")
		return
	}
	for _, e := range entries {
		u.printf("[%s] [%s] %s: %s\n", e.Timestamp, e.Component, e.Level, e.Message)
	}
}

// ReadPassword prompts for a password without echo when stdin is a terminal,
// falling back to a plain line read otherwise.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		defer fmt.Fprintln(os.Stderr)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
