package router

// Presenter is the callback surface the router emits to. The terminal
// frontend implements it; tests use NopPresenter. The router accepts exactly
// one inbound call in return: SubmitHumanMessage.
type Presenter interface {
	// HumanEcho confirms receipt of the human's message.
	HumanEcho(text string)

	// ManagerMessage displays a Manager utterance.
	ManagerMessage(text string)

	// WorkerMessage displays a Worker utterance, tagged with its ordinal
	// label (I, II, III, ...).
	WorkerMessage(label, text string)

	// ContextUpdate reports polled context percentages. managerPct is -1
	// until the Manager has been probed successfully; workerPct is nil when
	// no Worker session exists or it has no observed value yet.
	ContextUpdate(managerPct int, workerPct *int)

	// ToolUse reports a tool call observed in a session stream along with
	// the session's running tool-call count.
	ToolUse(name string, count int)

	// WorkerSpawned / WorkerReleased track Worker lifecycle.
	WorkerSpawned(label string)
	WorkerReleased()

	// Debug receives structured log lines the frontend may surface.
	Debug(entry string)
}

// NopPresenter discards all callbacks.
type NopPresenter struct{}

func (NopPresenter) HumanEcho(string)            {}
func (NopPresenter) ManagerMessage(string)       {}
func (NopPresenter) WorkerMessage(string, string) {}
func (NopPresenter) ContextUpdate(int, *int)     {}
func (NopPresenter) ToolUse(string, int)         {}
func (NopPresenter) WorkerSpawned(string)        {}
func (NopPresenter) WorkerReleased()             {}
func (NopPresenter) Debug(string)                {}
