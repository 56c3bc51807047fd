package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
)

// reducer is the single sequential consumer of a run's event stream. All
// ordering and deduplication decisions for streamed deliveries live here:
// blocks go out strictly in receipt order, each payload at most once.
type reducer struct {
	c    *Coordinator
	turn Turn

	mu     sync.Mutex
	seen   map[string]struct{}
	broken bool // a block delivery timed out; no further streamed sends
}

func newReducer(c *Coordinator, turn Turn) *reducer {
	return &reducer{c: c, turn: turn, seen: make(map[string]struct{})}
}

// consume drains the event channel until it closes. Runs on its own
// goroutine; deliveries are sequential because this loop is.
func (r *reducer) consume(ctx context.Context, events <-chan agent.Event) {
	for ev := range events {
		switch ev.Kind {
		case agent.EventBlockReply, agent.EventToolResult:
			r.deliverBlock(ctx, ev.Payload)
		case agent.EventPartialReply, agent.EventReasoningStream:
			// Streaming previews are a channel concern; the reducer only
			// consumes them to keep the stream ordered.
		case agent.EventAgentState:
			slog.Debug("agent state", "run_id", ev.RunID, "state", ev.State)
		}
	}
}

// deliverBlock sends one streamed block, bounded by the per-block timeout.
// A timeout abandons streaming for the rest of the run (the final payload is
// delivered instead) so out-of-order delivery can never happen.
func (r *reducer) deliverBlock(ctx context.Context, p agent.Payload) {
	if r.c.deliver == nil || r.turn.Target.Channel == "" {
		return
	}

	r.mu.Lock()
	if r.broken {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	// The sentinel never reaches a chat surface; heartbeat runs detect it
	// on the final result, not on delivered blocks.
	p.Text = stripSentinel(p.Text)
	if p.Text == "" && len(p.MediaURLs) == 0 {
		return
	}

	fp := fingerprint(p)
	r.mu.Lock()
	if _, dup := r.seen[fp]; dup {
		r.mu.Unlock()
		return
	}
	r.seen[fp] = struct{}{}
	r.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, r.c.opts.BlockTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.c.deliver.Deliver(sendCtx, r.turn.Target, p) }()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Warn("streamed block delivery failed", "channel", r.turn.Target.Channel, "error", err)
		}
	case <-sendCtx.Done():
		if sendCtx.Err() == context.DeadlineExceeded {
			slog.Warn("streamed block delivery timed out, disabling streaming for this run",
				"channel", r.turn.Target.Channel, "timeout", r.c.opts.BlockTimeout)
			r.mu.Lock()
			r.broken = true
			// The block never reached the channel; let the final payload
			// carry it.
			delete(r.seen, fp)
			r.mu.Unlock()
		}
	}
}

// alreadyDelivered reports whether a final payload was already sent as a
// streamed block.
func (r *reducer) alreadyDelivered(p agent.Payload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[fingerprint(p)]
	return ok
}

// fingerprint identifies a payload by content + media + reply target.
func fingerprint(p agent.Payload) string {
	h := sha256.New()
	h.Write([]byte(p.Text))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(p.MediaURLs, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(p.ReplyToID))
	return hex.EncodeToString(h.Sum(nil))
}
