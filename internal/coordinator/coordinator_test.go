package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/models"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

type fakeEngine struct {
	mu      sync.Mutex
	runs    []agent.RunRequest
	steered []string
	steerOK bool

	block   chan struct{} // when set, Run blocks until closed or ctx done
	started chan string   // receives run ids as runs begin
	emit    []agent.Event
	result  agent.RunResult
	err     error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{started: make(chan string, 8), steerOK: true}
}

func (f *fakeEngine) Run(ctx context.Context, req agent.RunRequest, events chan<- agent.Event) (agent.RunResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	block := f.block
	f.mu.Unlock()

	f.started <- req.RunID

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return agent.RunResult{}, ctx.Err()
		}
	}
	for _, ev := range f.emit {
		ev.RunID = req.RunID
		events <- ev
	}
	return f.result, f.err
}

func (f *fakeEngine) Steer(runID, prompt string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.steerOK {
		return false
	}
	f.steered = append(f.steered, prompt)
	return true
}

func (f *fakeEngine) runPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	prompts := make([]string, len(f.runs))
	for i, r := range f.runs {
		prompts[i] = r.Prompt
	}
	return prompts
}

type fakeDeliverer struct {
	mu    sync.Mutex
	sent  []agent.Payload
	delay time.Duration
}

func (d *fakeDeliverer) Deliver(ctx context.Context, _ Target, p agent.Payload) error {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	d.sent = append(d.sent, p)
	d.mu.Unlock()
	return nil
}

func (d *fakeDeliverer) texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	for i, p := range d.sent {
		out[i] = p.Text
	}
	return out
}

var testCatalog = []models.CatalogEntry{
	{Provider: "anthropic", ID: "claude-sonnet-4"},
}

func newTestCoordinator(t *testing.T, eng *fakeEngine, del *fakeDeliverer, opts Options) *Coordinator {
	t.Helper()
	selector := models.NewSelector(models.Config{DefaultModel: "anthropic/claude-sonnet-4"}, testCatalog)
	store, err := sessions.NewStore(t.TempDir(), "main", selector)
	if err != nil {
		t.Fatal(err)
	}
	return New(store, selector, eng, del, opts)
}

func userTurn(prompt string) Turn {
	return Turn{
		AgentID:    "main",
		SessionKey: "agent:main:main",
		Target:     Target{Channel: "telegram", ChatID: "42"},
		Prompt:     prompt,
	}
}

func waitIdle(t *testing.T, c *Coordinator, key string) {
	t.Helper()
	if !c.WaitIdle(context.Background(), key, 5*time.Second) {
		t.Fatal("session never went idle")
	}
}

func TestQueueModeDefersSecondTurn(t *testing.T) {
	eng := newFakeEngine()
	eng.block = make(chan struct{})
	eng.result = agent.RunResult{Payloads: []agent.Payload{{Text: "done"}}}
	del := &fakeDeliverer{}
	c := newTestCoordinator(t, eng, del, Options{QueueMode: QueueModeQueue})

	ctx := context.Background()
	c.HandleInbound(ctx, userTurn("first"))
	<-eng.started

	c.HandleInbound(ctx, userTurn("second"))
	time.Sleep(50 * time.Millisecond)
	if got := len(eng.runPrompts()); got != 1 {
		t.Fatalf("second invocation not deferred: %d runs", got)
	}

	close(eng.block)
	waitIdle(t, c, "agent:main:main")

	prompts := eng.runPrompts()
	if len(prompts) != 2 || prompts[0] != "first" || prompts[1] != "second" {
		t.Fatalf("drain order wrong: %v", prompts)
	}
}

func TestSteerModeInjectsWithoutSecondRun(t *testing.T) {
	eng := newFakeEngine()
	eng.block = make(chan struct{})
	del := &fakeDeliverer{}
	c := newTestCoordinator(t, eng, del, Options{QueueMode: QueueModeSteer})

	ctx := context.Background()
	c.HandleInbound(ctx, userTurn("first"))
	<-eng.started

	c.HandleInbound(ctx, userTurn("also this"))

	eng.mu.Lock()
	steered := len(eng.steered)
	eng.mu.Unlock()
	if steered != 1 {
		t.Fatalf("expected 1 steered prompt, got %d", steered)
	}

	close(eng.block)
	waitIdle(t, c, "agent:main:main")
	if got := len(eng.runPrompts()); got != 1 {
		t.Fatalf("steering must not start a second run, got %d runs", got)
	}
}

func TestSteerFallsBackToQueueWhenRejected(t *testing.T) {
	eng := newFakeEngine()
	eng.block = make(chan struct{})
	eng.steerOK = false
	del := &fakeDeliverer{}
	c := newTestCoordinator(t, eng, del, Options{QueueMode: QueueModeSteer})

	ctx := context.Background()
	c.HandleInbound(ctx, userTurn("first"))
	<-eng.started
	c.HandleInbound(ctx, userTurn("second"))

	close(eng.block)
	waitIdle(t, c, "agent:main:main")
	<-eng.started

	if prompts := eng.runPrompts(); len(prompts) != 2 || prompts[1] != "second" {
		t.Fatalf("rejected steer should queue: %v", prompts)
	}
}

func TestStreamedBlocksDedupAgainstFinalPayload(t *testing.T) {
	eng := newFakeEngine()
	eng.emit = []agent.Event{
		{Kind: agent.EventBlockReply, Payload: agent.Payload{Text: "part one"}},
		{Kind: agent.EventBlockReply, Payload: agent.Payload{Text: "part one"}}, // duplicate block
	}
	eng.result = agent.RunResult{Payloads: []agent.Payload{
		{Text: "part one"}, // already streamed
		{Text: "part two"},
	}}
	del := &fakeDeliverer{}
	c := newTestCoordinator(t, eng, del, Options{})

	c.HandleInbound(context.Background(), userTurn("go"))
	waitIdle(t, c, "agent:main:main")

	texts := del.texts()
	if len(texts) != 2 || texts[0] != "part one" || texts[1] != "part two" {
		t.Fatalf("delivered = %v, want [part one, part two]", texts)
	}
}

func TestBlockDeliveryTimeoutFallsBackToFinalPayload(t *testing.T) {
	eng := newFakeEngine()
	eng.emit = []agent.Event{
		{Kind: agent.EventBlockReply, Payload: agent.Payload{Text: "slow block"}},
	}
	eng.result = agent.RunResult{Payloads: []agent.Payload{{Text: "slow block"}}}
	del := &fakeDeliverer{delay: 150 * time.Millisecond}
	c := newTestCoordinator(t, eng, del, Options{BlockTimeout: 20 * time.Millisecond})

	c.HandleInbound(context.Background(), userTurn("go"))
	waitIdle(t, c, "agent:main:main")
	time.Sleep(200 * time.Millisecond) // final delivery has no timeout, just the delay

	texts := del.texts()
	if len(texts) != 1 || texts[0] != "slow block" {
		t.Fatalf("delivered = %v, want the final payload exactly once", texts)
	}
}

func TestSentinelStrippedFromReplies(t *testing.T) {
	eng := newFakeEngine()
	eng.result = agent.RunResult{Payloads: []agent.Payload{{Text: "All good. " + HeartbeatSentinel}}}
	del := &fakeDeliverer{}
	c := newTestCoordinator(t, eng, del, Options{})

	c.HandleInbound(context.Background(), userTurn("status?"))
	waitIdle(t, c, "agent:main:main")

	texts := del.texts()
	if len(texts) != 1 || texts[0] != "All good." {
		t.Fatalf("delivered = %v", texts)
	}
}

func TestHeartbeatSentinelOnlyReplySuppressed(t *testing.T) {
	eng := newFakeEngine()
	eng.result = agent.RunResult{Payloads: []agent.Payload{{Text: HeartbeatSentinel}}}
	del := &fakeDeliverer{}
	c := newTestCoordinator(t, eng, del, Options{})

	c.Heartbeat(context.Background(), "main", Target{Channel: "telegram", ChatID: "42"})
	waitIdle(t, c, "agent:main:main")

	if texts := del.texts(); len(texts) != 0 {
		t.Fatalf("sentinel-only heartbeat reply must be suppressed, got %v", texts)
	}
}

func TestRunFailureMessages(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantText string
	}{
		{"generic", errors.New("provider exploded"), genericPrefix + "provider exploded"},
		{"overflow", errors.New("400: prompt is too long"), overflowMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			eng.err = tt.err
			del := &fakeDeliverer{}
			c := newTestCoordinator(t, eng, del, Options{})

			c.HandleInbound(context.Background(), userTurn("go"))
			waitIdle(t, c, "agent:main:main")

			texts := del.texts()
			if len(texts) != 1 || texts[0] != tt.wantText {
				t.Fatalf("delivered = %v, want exactly one %q", texts, tt.wantText)
			}
		})
	}
}

func TestCorruptSessionAutoResets(t *testing.T) {
	eng := newFakeEngine()
	eng.err = errors.New("No conversation found with session ID abc123")
	del := &fakeDeliverer{}
	c := newTestCoordinator(t, eng, del, Options{})

	key := "agent:main:telegram:dm:42"
	turn := userTurn("go")
	turn.SessionKey = key

	before, err := c.store.Ensure("main", key)
	if err != nil {
		t.Fatal(err)
	}

	c.HandleInbound(context.Background(), turn)
	waitIdle(t, c, key)

	texts := del.texts()
	if len(texts) != 1 || texts[0] != corruptMessage {
		t.Fatalf("delivered = %v", texts)
	}

	after, err := c.store.Get("main", key)
	if err != nil {
		t.Fatal(err)
	}
	if after != nil && after.SessionID == before.SessionID {
		t.Fatal("corrupt session was not reset")
	}
}

func TestUsagePersistedWithPromptTokenTotal(t *testing.T) {
	eng := newFakeEngine()
	eng.result = agent.RunResult{
		Payloads: []agent.Payload{{Text: "hi"}},
		Meta: agent.RunMeta{
			Usage:    agent.Usage{InputTokens: 100, OutputTokens: 50, PromptTokens: 900},
			Provider: "openai", Model: "gpt-5", // fallback substituted the model
		},
	}
	del := &fakeDeliverer{}
	c := newTestCoordinator(t, eng, del, Options{})

	c.HandleInbound(context.Background(), userTurn("go"))
	waitIdle(t, c, "agent:main:main")

	e, err := c.store.Get("main", "agent:main:main")
	if err != nil {
		t.Fatal(err)
	}
	if e.InputTokens != 100 || e.OutputTokens != 50 || e.TotalTokens != 900 {
		t.Fatalf("usage = %d/%d/%d", e.InputTokens, e.OutputTokens, e.TotalTokens)
	}
	if e.LastProvider != "openai" || e.LastModel != "gpt-5" {
		t.Fatalf("actual ref not recorded: %s/%s", e.LastProvider, e.LastModel)
	}
}

func TestAbortCancelsRunAndMarksEntry(t *testing.T) {
	eng := newFakeEngine()
	eng.block = make(chan struct{})
	del := &fakeDeliverer{}
	c := newTestCoordinator(t, eng, del, Options{})

	c.HandleInbound(context.Background(), userTurn("go"))
	runID := <-eng.started

	if !c.Abort(runID) {
		t.Fatal("abort did not find the run")
	}
	waitIdle(t, c, "agent:main:main")

	if texts := del.texts(); len(texts) != 0 {
		t.Fatalf("aborted run must not deliver, got %v", texts)
	}
	e, err := c.store.Get("main", "agent:main:main")
	if err != nil {
		t.Fatal(err)
	}
	if !e.AbortedLastRun {
		t.Fatal("abortedLastRun not set")
	}

	if c.Abort(runID) {
		t.Fatal("second abort of the same run must report not found")
	}
}

func TestSystemEventsFlushIntoNextRun(t *testing.T) {
	eng := newFakeEngine()
	eng.result = agent.RunResult{Payloads: []agent.Payload{{Text: "ok"}}}
	del := &fakeDeliverer{}
	c := newTestCoordinator(t, eng, del, Options{})

	c.InjectSystemEvent("agent:main:main", "backup finished")
	c.HandleInbound(context.Background(), userTurn("what happened?"))
	waitIdle(t, c, "agent:main:main")

	prompts := eng.runPrompts()
	if len(prompts) != 1 {
		t.Fatalf("runs = %d", len(prompts))
	}
	if !strings.Contains(prompts[0], "[system] backup finished") || !strings.Contains(prompts[0], "what happened?") {
		t.Fatalf("prompt = %q", prompts[0])
	}

	// Flushed exactly once: the next run sees no system prefix.
	c.HandleInbound(context.Background(), userTurn("again"))
	waitIdle(t, c, "agent:main:main")
	prompts = eng.runPrompts()
	if strings.Contains(prompts[1], "[system]") {
		t.Fatalf("system events flushed twice: %q", prompts[1])
	}
}
