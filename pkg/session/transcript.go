package session

import (
	"sync"

	"github.com/google/uuid"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TranscriptMessage is one exchange in a provider-local transcript.
type TranscriptMessage struct {
	Role    string
	Content string
}

// Transcripts holds per-session conversation history for providers backed by
// stateless HTTP APIs. It is what makes "resume session X" work against an
// API that has no session concept of its own: the provider replays the
// stored transcript on every turn.
type Transcripts struct {
	mu       sync.Mutex
	sessions map[string][]TranscriptMessage
}

// NewTranscripts creates an empty transcript store.
func NewTranscripts() *Transcripts {
	return &Transcripts{sessions: make(map[string][]TranscriptMessage)}
}

// Begin allocates a fresh session id with an empty transcript.
func (t *Transcripts) Begin() string {
	id := uuid.New().String()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = nil
	return id
}

// Append records one message at the end of a session's transcript. Unknown
// session ids are created implicitly, which covers resuming an id persisted
// by a previous process whose in-memory history is gone.
func (t *Transcripts) Append(sessionID, role, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sessionID] = append(t.sessions[sessionID], TranscriptMessage{Role: role, Content: content})
}

// Snapshot returns a copy of a session's transcript.
func (t *Transcripts) Snapshot(sessionID string) []TranscriptMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := t.sessions[sessionID]
	out := make([]TranscriptMessage, len(msgs))
	copy(out, msgs)
	return out
}

// Drop discards a session's transcript.
func (t *Transcripts) Drop(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
