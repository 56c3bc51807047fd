// Package agent defines the narrow contract to the external agent-execution
// engine. Prompt construction, tool execution, and provider fallback live
// behind this interface.
package agent

import "context"

// RunRequest describes one agent turn.
type RunRequest struct {
	RunID      string
	SessionID  string
	SessionKey string
	Prompt     string
	Provider   string
	Model      string
	Thinking   string // off|minimal|low|medium|high
	Heartbeat  bool   // internally generated turn, not user-initiated
}

// Usage reports token consumption for a run. PromptTokens, when the provider
// reports it, is the authoritative whole-context total.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	PromptTokens int64 `json:"prompt_tokens,omitempty"`
}

// RunMeta is the engine's post-run report. Provider and Model record what
// actually ran: engine-side fallback may substitute a different ref than the
// request asked for.
type RunMeta struct {
	Usage     Usage
	Provider  string
	Model     string
	SessionID string // set when the engine rotated the backing session
}

// Payload is a channel-agnostic reply fragment. The coordinator never builds
// channel-specific wire formats.
type Payload struct {
	Text      string   `json:"text,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
	ReplyToID string   `json:"reply_to_id,omitempty"`
}

// EventKind enumerates the engine's mid-run stream events.
type EventKind string

const (
	EventPartialReply    EventKind = "partial_reply"
	EventBlockReply      EventKind = "block_reply"
	EventToolResult      EventKind = "tool_result"
	EventReasoningStream EventKind = "reasoning"
	EventAgentState      EventKind = "agent_state"
)

// Event is one mid-run stream event. The engine pushes these into the
// channel handed to Run; the coordinator's reducer consumes them
// sequentially, which is where ordering and deduplication live.
type Event struct {
	Kind    EventKind
	RunID   string
	Payload Payload
	State   string // for EventAgentState
}

// RunResult is the engine's final answer for a run.
type RunResult struct {
	Payloads []Payload
	Meta     RunMeta
}

// Engine executes agent turns. Run blocks until the turn completes, pushing
// stream events into events as they occur; it must stop promptly when ctx is
// cancelled (abort) and must not close or write events after returning.
// Steer injects a new prompt into an in-flight run; it returns false when
// the run is no longer accepting input.
type Engine interface {
	Run(ctx context.Context, req RunRequest, events chan<- Event) (RunResult, error)
	Steer(runID, prompt string) bool
}
