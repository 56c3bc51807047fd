// Package coordinator arbitrates agent turns per session key: one run at a
// time per key, with steering, queueing, follow-up draining, streamed-block
// delivery, and usage persistence.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/models"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// QueueMode controls what happens to a turn arriving while its session key
// already has a run in flight.
type QueueMode string

const (
	QueueModeOff   QueueMode = "off"   // drop concurrent turns
	QueueModeQueue QueueMode = "queue" // accumulate, drain FIFO after completion
	QueueModeSteer QueueMode = "steer" // inject into the active run
)

// HeartbeatSentinel is the literal token heartbeat prompts instruct the
// agent to emit when there is nothing to report. It is stripped from every
// delivered reply; only heartbeat-triggered runs see their own sentinel for
// completion detection.
const HeartbeatSentinel = "HEARTBEAT_OK"

// DefaultBlockTimeout bounds the delivery of one streamed block. On timeout
// further streaming for that run is abandoned to preserve ordering and the
// final payload is delivered instead.
const DefaultBlockTimeout = 15 * time.Second

// Target addresses a conversation on a channel.
type Target struct {
	Channel string
	ChatID  string
}

// Deliverer sends a payload to a channel conversation. Implemented by the
// channel dispatch layer.
type Deliverer interface {
	Deliver(ctx context.Context, target Target, payload agent.Payload) error
}

// Turn is one inbound unit of work for a session key.
type Turn struct {
	AgentID    string
	SessionKey string
	Target     Target
	Prompt     string
	Heartbeat  bool
}

// Options tune a Coordinator.
type Options struct {
	QueueMode    QueueMode
	BlockTimeout time.Duration
}

// Coordinator owns all per-run mutable state: the in-flight map, abort
// registry, dedup sets, and pending system events. No ambient globals, so
// tests construct isolated instances.
type Coordinator struct {
	store    *sessions.Store
	selector *models.Selector
	engine   agent.Engine
	deliver  Deliverer
	opts     Options
	tracer   trace.Tracer

	mu            sync.Mutex
	running       map[string]*inflight          // session key -> active run
	aborts        map[string]context.CancelFunc // run id -> abort
	pendingSystem map[string][]string           // session key -> queued system events
}

type inflight struct {
	runID string
	queue []Turn
	done  chan struct{}
}

// New creates a coordinator. deliver may be nil for run-only callers (CLI,
// isolated cron turns).
func New(store *sessions.Store, selector *models.Selector, engine agent.Engine, deliver Deliverer, opts Options) *Coordinator {
	if opts.QueueMode == "" {
		opts.QueueMode = QueueModeQueue
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = DefaultBlockTimeout
	}
	return &Coordinator{
		store:         store,
		selector:      selector,
		engine:        engine,
		deliver:       deliver,
		opts:          opts,
		tracer:        otel.Tracer("clawgate/coordinator"),
		running:       make(map[string]*inflight),
		aborts:        make(map[string]context.CancelFunc),
		pendingSystem: make(map[string][]string),
	}
}

// HandleInbound routes a turn into the per-key state machine. Idle keys
// start a run immediately; busy keys steer, queue, or drop per QueueMode.
// Non-blocking: the run executes on its own goroutine.
func (c *Coordinator) HandleInbound(ctx context.Context, turn Turn) {
	c.mu.Lock()
	if inf, ok := c.running[turn.SessionKey]; ok {
		switch c.opts.QueueMode {
		case QueueModeSteer:
			runID := inf.runID
			c.mu.Unlock()
			if c.engine.Steer(runID, turn.Prompt) {
				slog.Info("turn steered into active run", "session_key", turn.SessionKey, "run_id", runID)
				return
			}
			// Run stopped accepting input between the check and the
			// injection; fall back to queueing.
			c.mu.Lock()
			if inf, ok := c.running[turn.SessionKey]; ok {
				inf.queue = append(inf.queue, turn)
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			c.HandleInbound(ctx, turn)
			return
		case QueueModeQueue:
			inf.queue = append(inf.queue, turn)
			slog.Debug("turn queued behind active run", "session_key", turn.SessionKey, "depth", len(inf.queue))
			c.mu.Unlock()
			return
		default: // off
			slog.Warn("turn dropped, session busy and queueing disabled", "session_key", turn.SessionKey)
			c.mu.Unlock()
			return
		}
	}

	inf := &inflight{done: make(chan struct{})}
	c.running[turn.SessionKey] = inf
	c.mu.Unlock()

	go c.runLoop(ctx, inf, turn)
}

// runLoop executes a turn and then drains any queued follow-ups in FIFO
// order before releasing the key.
func (c *Coordinator) runLoop(ctx context.Context, inf *inflight, turn Turn) {
	defer close(inf.done)
	for {
		c.runOnce(ctx, inf, turn)

		c.mu.Lock()
		if len(inf.queue) == 0 {
			delete(c.running, turn.SessionKey)
			c.mu.Unlock()
			return
		}
		turn, inf.queue = inf.queue[0], inf.queue[1:]
		c.mu.Unlock()
	}
}

// runOnce executes a single agent run for a turn: resolve session + model,
// stream events through the reducer, then finalize.
func (c *Coordinator) runOnce(ctx context.Context, inf *inflight, turn Turn) {
	entry, err := c.store.Ensure(turn.AgentID, turn.SessionKey)
	if err != nil {
		c.deliverError(ctx, turn, fmt.Errorf("load session: %w", err))
		return
	}

	ref := c.resolveModel(entry)
	thinking := entry.ThinkingLevel
	if thinking == "" {
		thinking = c.selector.DefaultThinkingLevel(ref)
	}

	runID := uuid.NewString()
	prompt := c.flushSystemEvents(turn)

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	inf.runID = runID
	c.aborts[runID] = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.aborts, runID)
		c.mu.Unlock()
	}()

	runCtx, span := c.tracer.Start(runCtx, "agent.run", trace.WithAttributes(
		attribute.String("session.key", turn.SessionKey),
		attribute.String("run.id", runID),
		attribute.String("model.provider", ref.Provider),
		attribute.String("model.id", ref.Model),
		attribute.Bool("run.heartbeat", turn.Heartbeat),
	))
	defer span.End()

	red := newReducer(c, turn)
	events := make(chan agent.Event, 16)
	reducerDone := make(chan struct{})
	go func() {
		defer close(reducerDone)
		red.consume(runCtx, events)
	}()

	res, runErr := c.engine.Run(runCtx, agent.RunRequest{
		RunID:      runID,
		SessionID:  entry.SessionID,
		SessionKey: turn.SessionKey,
		Prompt:     prompt,
		Provider:   ref.Provider,
		Model:      ref.Model,
		Thinking:   thinking,
		Heartbeat:  turn.Heartbeat,
	}, events)
	close(events)
	<-reducerDone

	if runErr != nil {
		span.RecordError(runErr)
		c.finalizeFailure(ctx, turn, runErr)
		return
	}

	span.SetAttributes(
		attribute.Int64("usage.input_tokens", res.Meta.Usage.InputTokens),
		attribute.Int64("usage.output_tokens", res.Meta.Usage.OutputTokens),
	)
	c.finalizeSuccess(ctx, turn, entry, red, res)
}

// resolveModel applies session overrides over the configured default.
func (c *Coordinator) resolveModel(entry *sessions.Entry) models.Ref {
	if entry.ModelOverride != "" {
		ref := models.Ref{Provider: entry.ProviderOverride, Model: entry.ModelOverride}
		if ref.Provider == "" {
			ref = c.selector.Resolve(entry.ModelOverride)
		}
		if c.selector.IsAllowed(ref) {
			return ref
		}
		slog.Warn("session model override no longer allowed, using default", "override", ref)
	}
	return c.selector.Default()
}

// finalizeSuccess strips sentinels, delivers what streaming did not, and
// persists usage and session metadata.
func (c *Coordinator) finalizeSuccess(ctx context.Context, turn Turn, entry *sessions.Entry, red *reducer, res agent.RunResult) {
	for _, p := range res.Payloads {
		p.Text = stripSentinel(p.Text)
		if p.Text == "" && len(p.MediaURLs) == 0 {
			continue
		}
		if red.alreadyDelivered(p) {
			continue
		}
		if c.appendUsageFooter(entry) {
			p.Text = strings.TrimRight(p.Text, "\n") + "\n\n" + usageLine(res.Meta)
		}
		c.deliverPayload(ctx, turn, p)
	}

	usage := res.Meta.Usage
	total := usage.PromptTokens // prompt-tokens based total preferred
	if err := c.store.RecordUsage(turn.AgentID, turn.SessionKey, usage.InputTokens, usage.OutputTokens, total, res.Meta.Provider, res.Meta.Model); err != nil {
		slog.Warn("failed to persist usage", "session_key", turn.SessionKey, "error", err)
	}
	if res.Meta.SessionID != "" && res.Meta.SessionID != entry.CliSessionID {
		// The engine rotated its backing session; record the new pointer.
		entries, err := c.store.Load(turn.AgentID)
		if err == nil {
			if e, ok := entries[turn.SessionKey]; ok {
				e.CliSessionID = res.Meta.SessionID
				if err := c.store.Save(turn.AgentID, entries); err != nil {
					slog.Warn("failed to persist engine session id", "error", err)
				}
			}
		}
	}

	c.appendTranscript(entry.SessionID, "user", turn.Prompt)
	for _, p := range res.Payloads {
		if p.Text != "" {
			c.appendTranscript(entry.SessionID, "assistant", p.Text)
		}
	}
}

// finalizeFailure converts a run failure into exactly one user-facing
// message, never a crash and never a stack trace.
func (c *Coordinator) finalizeFailure(ctx context.Context, turn Turn, runErr error) {
	if errors.Is(runErr, context.Canceled) || ctx.Err() != nil {
		// Aborted run: terminal state already broadcast by Abort.
		slog.Info("run aborted", "session_key", turn.SessionKey)
		return
	}

	switch classifyRunError(runErr) {
	case errKindContextOverflow:
		slog.Warn("run failed with context overflow", "session_key", turn.SessionKey, "error", runErr)
		c.deliverPayload(ctx, turn, agent.Payload{Text: overflowMessage})

	case errKindSessionCorrupt:
		slog.Warn("run failed with corrupt session, auto-resetting", "session_key", turn.SessionKey, "error", runErr)
		if entry, err := c.store.Get(turn.AgentID, turn.SessionKey); err == nil && entry != nil {
			c.store.Transcripts().Remove(entry.SessionID)
		}
		if err := c.store.Delete(turn.AgentID, turn.SessionKey, true); err != nil {
			// The main session cannot be deleted; reset rotates it instead.
			if _, rerr := c.store.Reset(turn.AgentID, turn.SessionKey); rerr != nil {
				slog.Error("auto-reset failed", "session_key", turn.SessionKey, "error", rerr)
			}
		}
		c.deliverPayload(ctx, turn, agent.Payload{Text: corruptMessage})

	default:
		slog.Error("run failed", "session_key", turn.SessionKey, "error", runErr)
		c.deliverPayload(ctx, turn, agent.Payload{Text: genericPrefix + runErr.Error()})
	}
}

func (c *Coordinator) deliverError(ctx context.Context, turn Turn, err error) {
	slog.Error("turn rejected", "session_key", turn.SessionKey, "error", err)
	c.deliverPayload(ctx, turn, agent.Payload{Text: genericPrefix + err.Error()})
}

func (c *Coordinator) deliverPayload(ctx context.Context, turn Turn, p agent.Payload) {
	if c.deliver == nil || turn.Target.Channel == "" {
		return
	}
	if turn.Heartbeat && p.Text == "" && len(p.MediaURLs) == 0 {
		return
	}
	if err := c.deliver.Deliver(ctx, turn.Target, p); err != nil {
		slog.Warn("delivery failed", "channel", turn.Target.Channel, "chat_id", turn.Target.ChatID, "error", err)
	}
}

// appendUsageFooter reports whether the session opted into usage lines.
func (c *Coordinator) appendUsageFooter(entry *sessions.Entry) bool {
	return entry.VerboseLevel == "high"
}

func usageLine(meta agent.RunMeta) string {
	return fmt.Sprintf("usage: %d in / %d out (%s/%s)",
		meta.Usage.InputTokens, meta.Usage.OutputTokens, meta.Provider, meta.Model)
}

func (c *Coordinator) appendTranscript(sessionID, role, text string) {
	if sessionID == "" || text == "" {
		return
	}
	line, err := json.Marshal(map[string]any{
		"role": role,
		"text": text,
		"ts":   time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := c.store.Transcripts().Append(sessionID, string(line)); err != nil {
		slog.Warn("transcript append failed", "session_id", sessionID, "error", err)
	}
}

// Abort cancels an in-flight run by id and marks the session's entry.
// Returns false when no such run is tracked.
func (c *Coordinator) Abort(runID string) bool {
	c.mu.Lock()
	cancel, ok := c.aborts[runID]
	var key, agentID string
	if ok {
		delete(c.aborts, runID)
		for k, inf := range c.running {
			if inf.runID == runID {
				key = k
				agentID, _ = routing.ParseKey(k)
				break
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	if key != "" && agentID != "" {
		entries, err := c.store.Load(agentID)
		if err == nil {
			if e, found := entries[key]; found {
				e.AbortedLastRun = true
				if err := c.store.Save(agentID, entries); err != nil {
					slog.Warn("failed to persist abort flag", "session_key", key, "error", err)
				}
			}
		}
	}
	slog.Info("run aborted by request", "run_id", runID)
	return true
}

// AbortSession cancels whatever run is in flight for a session key.
func (c *Coordinator) AbortSession(sessionKey string) bool {
	c.mu.Lock()
	inf, ok := c.running[sessionKey]
	var runID string
	if ok {
		runID = inf.runID
	}
	c.mu.Unlock()
	if !ok || runID == "" {
		return false
	}
	return c.Abort(runID)
}

// Busy reports whether a session key has a run in flight.
func (c *Coordinator) Busy(sessionKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[sessionKey]
	return ok
}

// WaitIdle polls until the session key has no run in flight, or the timeout
// expires. Used by cron's forced heartbeat (bounded 2 minute wait).
func (c *Coordinator) WaitIdle(ctx context.Context, sessionKey string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		inf, busy := c.running[sessionKey]
		c.mu.Unlock()
		if !busy {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wait := 250 * time.Millisecond
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-inf.done:
		case <-time.After(wait):
		}
	}
}

// InjectSystemEvent queues a system event line for a session key. The lines
// are prefixed to the next run's prompt for that key (typically the next
// heartbeat) and flushed exactly once.
func (c *Coordinator) InjectSystemEvent(sessionKey, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingSystem[sessionKey] = append(c.pendingSystem[sessionKey], text)
}

// flushSystemEvents drains pending system events into the turn prompt.
func (c *Coordinator) flushSystemEvents(turn Turn) string {
	c.mu.Lock()
	pending := c.pendingSystem[turn.SessionKey]
	delete(c.pendingSystem, turn.SessionKey)
	c.mu.Unlock()

	if len(pending) == 0 {
		return turn.Prompt
	}
	var b strings.Builder
	for _, ev := range pending {
		b.WriteString("[system] ")
		b.WriteString(ev)
		b.WriteString("\n")
	}
	if turn.Prompt != "" {
		b.WriteString("\n")
		b.WriteString(turn.Prompt)
	}
	go c.markSystemSent(turn)
	return b.String()
}

func (c *Coordinator) markSystemSent(turn Turn) {
	entries, err := c.store.Load(turn.AgentID)
	if err != nil {
		return
	}
	if e, ok := entries[turn.SessionKey]; ok {
		e.SystemSent = true
		if err := c.store.Save(turn.AgentID, entries); err != nil {
			slog.Debug("failed to persist systemSent", "session_key", turn.SessionKey, "error", err)
		}
	}
}

// Heartbeat runs an internally generated turn against the agent's main
// session. Pending system events ride along; a reply consisting only of the
// sentinel is suppressed entirely.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string, target Target) {
	key := routing.BuildMainSessionKey(agentID, "")
	c.HandleInbound(ctx, Turn{
		AgentID:    agentID,
		SessionKey: key,
		Target:     target,
		Prompt:     "Heartbeat check-in. If there is nothing that needs attention, reply with exactly " + HeartbeatSentinel + ".",
		Heartbeat:  true,
	})
}

// stripSentinel removes the heartbeat sentinel token from reply text.
func stripSentinel(text string) string {
	if !strings.Contains(text, HeartbeatSentinel) {
		return text
	}
	return strings.TrimSpace(strings.ReplaceAll(text, HeartbeatSentinel, ""))
}
